// Package wrap synthesizes the entry shim that bridges the shared argument
// frame to the target function's calling convention. The shim is the only
// symbol the device is ever asked to execute: it reads each argument out of
// its slot with a type-faithful reinterpretation, calls the target, stores
// the result in the last slot, and returns 0.
package wrap

import (
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"loadstone/protocol"
	"loadstone/sig"
)

// EntryName is the exported symbol of every generated wrapper. The build
// pipeline links it first and the device branches to it.
const EntryName = "call_remote"

var wrapperTmpl = template.Must(template.New("wrapper").Parse(
	`// Generated wrapper for {{.Func}}. Do not edit.
#include <stdint.h>
#include "{{.Header}}"

int {{.Entry}}(void) {
    volatile uint32_t *io = (volatile uint32_t *)0x{{printf "%08x" .ArgsAddr}}u;
{{- range .ArgLines}}
    {{.}}
{{- end}}
{{- range .CallLines}}
    {{.}}
{{- end}}
    return 0;
}
`))

type wrapperData struct {
	Func      string
	Header    string
	Entry     string
	ArgsAddr  uint32
	ArgLines  []string
	CallLines []string
}

// WrapperSource emits the wrapper translation unit for signature s with
// the argument frame at argsAddr. header is the file name of the generated
// declaration header, included so the wrapper compiles without the target
// function's body.
func WrapperSource(s *sig.Signature, header string, argsAddr uint32) (string, error) {
	if len(s.Params) > protocol.MaxArgCount {
		return "", fmt.Errorf("%d parameters exceed the %d argument slots", len(s.Params), protocol.MaxArgCount)
	}
	data := wrapperData{
		Func:     s.Name,
		Header:   header,
		Entry:    EntryName,
		ArgsAddr: argsAddr,
	}
	args := make([]string, 0, len(s.Params))
	for i, p := range s.Params {
		line, err := argRead(p, i)
		if err != nil {
			return "", err
		}
		data.ArgLines = append(data.ArgLines, line)
		args = append(args, p.Name)
	}
	call := fmt.Sprintf("%s(%s)", s.Name, strings.Join(args, ", "))
	lines, err := returnStore(s.Return, call)
	if err != nil {
		return "", err
	}
	data.CallLines = lines

	var b strings.Builder
	if err := wrapperTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// argRead emits the slot-i read for one parameter.
//
// Pointers take the slot word as a device address. Value types read
// through a pointer of the declared type so narrow integers get their
// sign- or zero-extension from the compiler at the call site, and floats
// keep their bit pattern.
func argRead(p sig.Param, i int) (string, error) {
	t := p.Type
	switch {
	case p.Category == sig.CategoryPointer:
		return fmt.Sprintf("%s %s = (%s) io[%d];", t.Text, p.Name, t.Text, i), nil
	case t.Kind == sig.KindFloat:
		return fmt.Sprintf("float %s = *(float*)&io[%d];", p.Name, i), nil
	case t.Kind == sig.KindInt && t.Bits <= 32:
		return fmt.Sprintf("%s %s = *(%s*)&io[%d];", t.Text, p.Name, t.Text, i), nil
	}
	return "", fmt.Errorf("parameter %d (%s): type %s cannot be read from a slot", i, p.Name, t.Text)
}

// returnStore emits the call plus the slot-31 writeback for the declared
// return type. double is documented as lossy: it narrows to float so the
// result still fits one slot.
func returnStore(ret sig.Type, call string) ([]string, error) {
	slot := protocol.ReturnSlot
	switch {
	case ret.Kind == sig.KindVoid:
		return []string{call + ";"}, nil
	case ret.Kind == sig.KindPointer:
		return []string{
			fmt.Sprintf("%s result = %s;", ret.Text, call),
			fmt.Sprintf("io[%d] = (uint32_t) result;", slot),
		}, nil
	case ret.Kind == sig.KindFloat:
		return []string{
			fmt.Sprintf("float result = %s;", call),
			fmt.Sprintf("*(float*)&io[%d] = result;", slot),
		}, nil
	case ret.Kind == sig.KindDouble:
		return []string{
			fmt.Sprintf("double result = %s;", call),
			fmt.Sprintf("*(float*)&io[%d] = (float) result;", slot),
		}, nil
	case ret.Kind == sig.KindInt && ret.Bits <= 32:
		return []string{
			fmt.Sprintf("%s result = %s;", ret.Text, call),
			fmt.Sprintf("*(%s*)&io[%d] = result;", ret.Text, slot),
		}, nil
	}
	return nil, fmt.Errorf("return type %s cannot be stored in a slot", ret.Text)
}

//
// declaration header
//

var headerTmpl = template.Must(template.New("header").Parse(
	`#ifndef {{.Guard}}
#define {{.Guard}}

// Generated declaration for {{.Func}} (from {{.Source}}). Do not edit.

{{.Decl}}

#endif // {{.Guard}}
`))

// HeaderFileName derives the generated header's name from the entry
// source file.
func HeaderFileName(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ".h"
}

// HeaderSource emits a header declaring the target function so the
// wrapper can be compiled without seeing its body.
func HeaderSource(s *sig.Signature, sourcePath string) (string, error) {
	name := HeaderFileName(sourcePath)
	guard := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(name))

	params := make([]string, 0, len(s.Params))
	for _, p := range s.Params {
		params = append(params, p.Type.Text+" "+p.Name)
	}
	paramList := "void"
	if len(params) > 0 {
		paramList = strings.Join(params, ", ")
	}
	decl := fmt.Sprintf("%s %s(%s);", s.Return.Text, s.Name, paramList)

	var b strings.Builder
	err := headerTmpl.Execute(&b, struct {
		Guard, Func, Source, Decl string
	}{guard, s.Name, filepath.Base(sourcePath), decl})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}

// WrapperFileName is the translation unit name the build pipeline writes
// the wrapper to, unique enough not to collide with user sources.
func WrapperFileName(funcName string) string {
	return "wrapper_" + funcName + ".c"
}
