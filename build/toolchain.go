package build

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Runner abstracts subprocess execution so the pipeline can be exercised
// without a cross toolchain installed.
type Runner interface {
	Run(tool string, args []string) (stderr string, err error)
}

// execRunner shells out for real.
type execRunner struct{}

func (execRunner) Run(tool string, args []string) (string, error) {
	cmd := exec.Command(tool, args...)
	var errBuf bytes.Buffer
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return errBuf.String(), err
}

// Toolchain resolves tool paths from the config and issues compile and
// link commands.
type Toolchain struct {
	cfg    *Config
	runner Runner
}

func NewToolchain(cfg *Config, runner Runner) *Toolchain {
	if runner == nil {
		runner = execRunner{}
	}
	return &Toolchain{cfg: cfg, runner: runner}
}

func (t *Toolchain) toolPath(name string) string {
	if t.cfg.Toolchain.Path == "" {
		return name
	}
	return filepath.Join(t.cfg.Toolchain.Path, name)
}

// compilerFor picks the compiler binary for a source file by extension.
func (t *Toolchain) compilerFor(source string) (string, error) {
	ext := filepath.Ext(source)
	key, ok := t.cfg.Extensions.Compile[ext]
	if !ok {
		return "", fmt.Errorf("no compiler configured for extension %q", ext)
	}
	return t.toolPath(t.cfg.Toolchain.Compilers[key]), nil
}

// Compile builds one translation unit into an object file. includeDirs
// are added with -I in order.
func (t *Toolchain) Compile(source, object, optimization string, includeDirs []string) error {
	compiler, err := t.compilerFor(source)
	if err != nil {
		return err
	}
	args := []string{
		"-march=" + t.cfg.Compiler.Arch,
		"-mabi=" + t.cfg.Compiler.ABI,
		"-" + optimization,
		"-g",
	}
	for _, dir := range includeDirs {
		args = append(args, "-I"+dir)
	}
	args = append(args, t.cfg.Compiler.Flags...)
	args = append(args, "-c", source, "-o", object)

	stderr, err := t.runner.Run(compiler, args)
	if err != nil {
		return &ToolchainError{Stage: "compile", Tool: compiler, Args: args, Stderr: stderr, Err: err}
	}
	return nil
}

// Link combines the object files under the generated script. When
// firmwareELF is nonempty the linker reads it for symbol resolution only:
// absolute addresses of firmware services are inlined at link time, which
// is how loaded code calls back into the running image.
func (t *Toolchain) Link(objects []string, script, output, firmwareELF string) error {
	linker := t.toolPath(t.cfg.Toolchain.Compilers["gcc"])
	args := []string{
		"-march=" + t.cfg.Compiler.Arch,
		"-mabi=" + t.cfg.Compiler.ABI,
		"-T" + script,
	}
	if firmwareELF != "" {
		if _, err := os.Stat(firmwareELF); err != nil {
			return fmt.Errorf("%w: %s", ErrFirmwareMissing, firmwareELF)
		}
		args = append(args, "-Wl,-R,"+firmwareELF)
	}
	args = append(args, objects...)
	args = append(args, "-o", output)
	args = append(args, t.cfg.Linker.Flags...)
	if t.cfg.Linker.GarbageCollection {
		args = append(args, "-Wl,--gc-sections")
	}

	stderr, err := t.runner.Run(linker, args)
	if err != nil {
		if name := undefinedReference(stderr); name != "" {
			return fmt.Errorf("%w: %s\n%s", ErrUnresolvedSymbol, name, stderr)
		}
		return &ToolchainError{Stage: "link", Tool: linker, Args: args, Stderr: stderr, Err: err}
	}
	return nil
}

// undefinedReference pulls the first missing symbol name out of linker
// stderr, so the error can say what was unresolved rather than just that
// something was.
func undefinedReference(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		idx := strings.Index(line, "undefined reference to ")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("undefined reference to "):]
		rest = strings.Trim(rest, "`'\" ")
		if rest != "" {
			return rest
		}
	}
	return ""
}
