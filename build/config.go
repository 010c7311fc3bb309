// Package build turns a source directory and a function name into a flat
// position-specific binary linked for a chosen base address, with the
// generated wrapper as its entry point. The cross toolchain is driven as
// opaque subprocesses; section, symbol and image extraction happen
// in-process on the linked ELF.
package build

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the single configuration surface, normally loaded from a yaml
// file next to the project.
type Config struct {
	Toolchain struct {
		Path      string            `yaml:"path"`
		Prefix    string            `yaml:"prefix"`
		Compilers map[string]string `yaml:"compilers"`
	} `yaml:"toolchain"`

	Compiler struct {
		Arch         string   `yaml:"arch"`
		ABI          string   `yaml:"abi"`
		Optimization string   `yaml:"optimization"`
		Flags        []string `yaml:"flags"`
	} `yaml:"compiler"`

	Extensions struct {
		// Compile maps a source extension onto a compiler key from
		// Toolchain.Compilers; files with other extensions are ignored.
		Compile map[string]string `yaml:"compile"`
	} `yaml:"extensions"`

	Linker struct {
		Flags             []string `yaml:"flags"`
		GarbageCollection bool     `yaml:"garbage_collection"`
		// FirmwareELF is the fully linked firmware image whose symbol
		// table resolves external references in loaded code. Optional.
		FirmwareELF string `yaml:"firmware_elf"`
	} `yaml:"linker"`

	Memory struct {
		MaxSize   string `yaml:"max_size"` // e.g. "128K"
		Alignment uint32 `yaml:"alignment"`
	} `yaml:"memory"`

	Wrapper struct {
		Entry         string `yaml:"entry"`
		ArgsArraySize int    `yaml:"args_array_size"`
	} `yaml:"wrapper"`

	Signature struct {
		// Preamble is an optional extra typedef header made visible to
		// the prototype parser; user-defined types in signatures must be
		// declared there. The standard fixed-width aliases are built in.
		Preamble string `yaml:"preamble"`
	} `yaml:"signature"`
}

// DefaultConfig targets a bare-metal rv32 toolchain on PATH.
func DefaultConfig() *Config {
	c := &Config{}
	c.Toolchain.Prefix = "riscv32-unknown-elf"
	c.Toolchain.Compilers = map[string]string{
		"gcc": "riscv32-unknown-elf-gcc",
		"g++": "riscv32-unknown-elf-g++",
	}
	c.Compiler.Arch = "rv32imafc"
	c.Compiler.ABI = "ilp32f"
	c.Compiler.Optimization = "O3"
	c.Compiler.Flags = []string{
		"-ffreestanding",
		"-fno-builtin",
		"-ffunction-sections",
		"-fdata-sections",
		"-flto",
	}
	c.Extensions.Compile = map[string]string{
		".c":   "gcc",
		".cpp": "g++",
		".cc":  "g++",
		".S":   "gcc",
	}
	c.Linker.Flags = []string{"-nostdlib", "-nostartfiles"}
	c.Linker.GarbageCollection = true
	c.Memory.MaxSize = "128K"
	c.Memory.Alignment = 4
	c.Wrapper.Entry = "call_remote"
	c.Wrapper.ArgsArraySize = 32
	return c
}

// LoadConfig reads a yaml configuration file, filling gaps with defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) check() error {
	if len(c.Extensions.Compile) == 0 {
		return fmt.Errorf("no compile extensions configured")
	}
	for ext, name := range c.Extensions.Compile {
		if _, ok := c.Toolchain.Compilers[name]; !ok {
			return fmt.Errorf("extension %s names unknown compiler %q", ext, name)
		}
	}
	if c.Wrapper.ArgsArraySize != 32 {
		return fmt.Errorf("args_array_size is fixed at 32 by the wire ABI, got %d", c.Wrapper.ArgsArraySize)
	}
	if _, err := c.MaxSizeBytes(); err != nil {
		return err
	}
	return nil
}

// MaxSizeBytes parses the configured maximum binary size ("128K", "2M" or
// a plain byte count).
func (c *Config) MaxSizeBytes() (uint32, error) {
	return ParseSize(c.Memory.MaxSize)
}

// ParseSize understands K and M suffixes.
func ParseSize(s string) (uint32, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := uint32(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1024, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1024*1024, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad size %q: %w", s, err)
	}
	return uint32(n) * mult, nil
}
