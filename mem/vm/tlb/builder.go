package tlb

// A Builder can build TLBs
type Builder struct {
	numSets int
	numWays int
}

// MakeBuilder returns a Builder
func MakeBuilder() Builder {
	return Builder{
		numSets: 1,
		numWays: 32,
	}
}

// WithNumSets sets the number of sets in a TLB. Use 1 for fully associative
// TLBs.
func (b Builder) WithNumSets(n int) Builder {
	b.numSets = n
	return b
}

// WithNumWays sets the number of ways in a TLB. Set this field to the number
// of TLB entries for fully associative TLBs.
func (b Builder) WithNumWays(n int) Builder {
	b.numWays = n
	return b
}

// Build creates a new TLB
func (b Builder) Build(name string) *Comp {
	if b.numSets <= 0 || b.numWays <= 0 {
		panic("TLB requires at least one set and one way")
	}

	c := &Comp{
		name:    name,
		numSets: b.numSets,
		numWays: b.numWays,
	}
	c.reset()

	return c
}
