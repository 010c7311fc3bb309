package build

import (
	_ "embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/linker.ld.tmpl
var linkerTemplate string

var ldTmpl = template.Must(template.New("linker").Parse(linkerTemplate))

// LinkerScript renders the script that pins the image at baseAddress,
// places the wrapper entry first in .text and exposes the bss/end marker
// symbols (__bss_start, __bss_end, __binary_end).
func LinkerScript(entryPoint string, baseAddress uint32, memorySize uint32) (string, error) {
	var b strings.Builder
	err := ldTmpl.Execute(&b, struct {
		EntryPoint  string
		BaseAddress string
		MemorySize  string
	}{
		EntryPoint:  entryPoint,
		BaseAddress: fmt.Sprintf("0x%08x", baseAddress),
		MemorySize:  fmt.Sprintf("%d", memorySize),
	})
	if err != nil {
		return "", err
	}
	return b.String(), nil
}
