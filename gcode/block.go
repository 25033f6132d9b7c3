package gcode

// Block is the numeric content of one line.
type Block []Word

// BlockOf builds a Block from tokens, skipping tokens whose value is not a
// number.
func BlockOf(toks []Token) Block {
	b := make(Block, 0, len(toks))
	for _, t := range toks {
		if w, ok := t.Word(); ok {
			b = append(b, w)
		}
	}
	return b
}

func (b Block) Arg(w byte) (bool, float64) {
	for _, g := range b {
		if g.W == w {
			return true, g.Arg
		}
	}
	return false, 0
}

// Has reports whether the block contains the exact word.
func (b Block) Has(w Word) bool {
	for _, g := range b {
		if g == w {
			return true
		}
	}
	return false
}

func (b Block) HasAxis() bool {
	for _, g := range b {
		if g.IsAxis() {
			return true
		}
	}
	return false
}
