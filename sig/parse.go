package sig

import (
	"fmt"
	"strings"

	"loadstone/protocol"
)

// Parser resolves type spellings against the builtin table plus whatever
// typedefs the preamble declares. One parser per build.
type Parser struct {
	types map[string]Type
}

func NewParser() *Parser {
	p := &Parser{types: make(map[string]Type, len(builtinTypes))}
	for k, v := range builtinTypes {
		p.types[k] = v
	}
	return p
}

// AddTypedefs scans preamble text for `typedef <existing type> <name>;`
// declarations and registers the new names. User-defined types that show
// up in a signature must be declared this way or parsing fails.
func (p *Parser) AddTypedefs(preamble string) error {
	for _, line := range strings.Split(preamble, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "typedef ") || !strings.HasSuffix(line, ";") {
			continue
		}
		fields := strings.Fields(strings.TrimSuffix(line[len("typedef "):], ";"))
		if len(fields) < 2 {
			continue
		}
		name := fields[len(fields)-1]
		base, err := p.resolve(fields[:len(fields)-1], 0)
		if err != nil {
			return fmt.Errorf("typedef %s: %w", name, err)
		}
		base.Text = name
		p.types[name] = base
	}
	return nil
}

// ParseFunction extracts funcName's prototype from source text and parses
// it, enforcing the slot ABI's restrictions.
func (p *Parser) ParseFunction(source, funcName string) (*Signature, error) {
	proto, err := ExtractPrototype(source, funcName)
	if err != nil {
		return nil, err
	}
	sig, err := p.ParsePrototype(proto)
	if err != nil {
		return nil, fmt.Errorf("signature of %q: %w", funcName, err)
	}
	return sig, nil
}

// ParsePrototype parses a single prototype of the form `ret name(args);`.
func (p *Parser) ParsePrototype(proto string) (*Signature, error) {
	toks := tokenize(proto)
	open := -1
	for i, t := range toks {
		if t == "(" {
			open = i
			break
		}
	}
	if open < 1 {
		return nil, fmt.Errorf("no parameter list in %q", proto)
	}
	name := toks[open-1]
	if !isIdent(name) {
		return nil, fmt.Errorf("bad function name %q", name)
	}
	retType, err := p.parseType(toks[:open-1])
	if err != nil {
		return nil, fmt.Errorf("return type: %w", err)
	}
	if retType.Kind == KindInt && retType.Bits == 64 {
		return nil, &UnsupportedTypeError{Name: retType.Text, Reason: "64-bit return values do not fit one slot"}
	}

	closing := len(toks) - 1
	for closing > open && toks[closing] != ")" {
		closing--
	}
	params, err := p.parseParams(toks[open+1 : closing])
	if err != nil {
		return nil, err
	}
	if len(params) > protocol.MaxArgCount {
		return nil, fmt.Errorf("%w: %d parameters, frame holds %d",
			ErrTooManyParams, len(params), protocol.MaxArgCount)
	}
	return &Signature{Name: name, Return: retType, Params: params}, nil
}

func (p *Parser) parseParams(toks []string) ([]Param, error) {
	if len(toks) == 0 {
		return nil, nil
	}
	if len(toks) == 1 && toks[0] == "void" {
		return nil, nil
	}
	var params []Param
	start := 0
	depth := 0
	flush := func(end int) error {
		prm, err := p.parseParam(toks[start:end])
		if err != nil {
			return fmt.Errorf("parameter %d: %w", len(params), err)
		}
		params = append(params, prm)
		return nil
	}
	for i, t := range toks {
		switch t {
		case "(", "[":
			depth++
		case ")", "]":
			depth--
		case ",":
			if depth == 0 {
				if err := flush(i); err != nil {
					return nil, err
				}
				start = i + 1
			}
		}
	}
	if err := flush(len(toks)); err != nil {
		return nil, err
	}
	return params, nil
}

// parseParam handles one declarator: type words, pointer stars, optional
// name, optional [] suffix (which makes it a pointer).
func (p *Parser) parseParam(toks []string) (Param, error) {
	if len(toks) == 0 {
		return Param{}, fmt.Errorf("empty parameter")
	}
	var words []string
	stars := 0
	name := ""
	array := false
	for i := 0; i < len(toks); i++ {
		switch t := toks[i]; {
		case t == "*":
			stars++
		case t == "[":
			// absorb "[", optional size, "]"
			array = true
			for i+1 < len(toks) && toks[i] != "]" {
				i++
			}
		case t == "]":
		case isIdent(t):
			if stars > 0 || (len(words) > 0 && !p.isTypeWord(append(append([]string{}, words...), t))) {
				if name != "" {
					return Param{}, fmt.Errorf("cannot parse declarator %q", strings.Join(toks, " "))
				}
				name = t
			} else {
				words = append(words, t)
			}
		default:
			return Param{}, fmt.Errorf("unexpected token %q", t)
		}
	}
	if array {
		stars++
	}
	typ, err := p.resolve(words, stars)
	if err != nil {
		return Param{}, err
	}
	if name == "" {
		name = "unnamed"
	}
	cat := CategoryValue
	if typ.Kind == KindPointer {
		cat = CategoryPointer
	} else {
		switch {
		case typ.Kind == KindVoid:
			return Param{}, &UnsupportedTypeError{Name: "void", Reason: "void is only valid as an empty parameter list"}
		case typ.Kind == KindDouble:
			return Param{}, &UnsupportedTypeError{Name: "double", Reason: "double parameters do not fit one slot"}
		case typ.Kind == KindInt && typ.Bits == 64:
			return Param{}, &UnsupportedTypeError{Name: typ.Text, Reason: "64-bit parameters do not fit one slot"}
		}
	}
	return Param{Name: name, Type: typ, Category: cat}, nil
}

func (p *Parser) parseType(toks []string) (Type, error) {
	var words []string
	stars := 0
	for _, t := range toks {
		if t == "*" {
			stars++
			continue
		}
		if !isIdent(t) {
			return Type{}, fmt.Errorf("unexpected token %q in type", t)
		}
		words = append(words, t)
	}
	return p.resolve(words, stars)
}

// resolve turns type words plus pointer depth into a Type.
func (p *Parser) resolve(words []string, stars int) (Type, error) {
	var kept []string
	for _, w := range words {
		switch w {
		case "const", "volatile", "static", "inline", "extern", "register", "restrict":
			// qualifiers don't change the slot encoding
		case "struct", "union", "enum":
			return Type{}, &UnsupportedTypeError{
				Name:   strings.Join(words, " "),
				Reason: "aggregate types cannot cross the argument frame",
			}
		default:
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return Type{}, fmt.Errorf("missing type name")
	}
	key := strings.Join(kept, " ")
	base, ok := p.types[key]
	if !ok {
		return Type{}, &UnknownTypeError{Name: key}
	}
	for i := 0; i < stars; i++ {
		elem := base
		base = Type{Text: elem.Text + "*", Kind: KindPointer, Elem: &elem}
	}
	return base, nil
}

// isTypeWord reports whether the words so far plus the candidate still
// name (a prefix of) a known type. Qualifiers are transparent; aggregate
// tags swallow everything so resolve can reject them with a precise error.
func (p *Parser) isTypeWord(words []string) bool {
	var kept []string
	for _, w := range words {
		switch w {
		case "const", "volatile", "static", "inline", "extern", "register", "restrict":
		case "struct", "union", "enum":
			return true
		default:
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return true
	}
	key := strings.Join(kept, " ")
	if _, ok := p.types[key]; ok {
		return true
	}
	switch kept[len(kept)-1] {
	case "unsigned", "signed", "long", "short":
		return true
	}
	// could still extend to a longer builtin spelling
	for k := range p.types {
		if strings.HasPrefix(k, key+" ") {
			return true
		}
	}
	return false
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentChar(c):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		case c == '*' || c == '(' || c == ')' || c == ',' || c == '[' || c == ']' || c == ';':
			if c != ';' {
				toks = append(toks, string(c))
			}
			i++
		default:
			// anything else ends up as a one-byte token the parser rejects
			toks = append(toks, string(c))
			i++
		}
	}
	return toks
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	if s[0] >= '0' && s[0] <= '9' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentChar(s[i]) {
			return false
		}
	}
	return true
}
