package cache

// Nop is a Cache that stores nothing.
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (*Nop) Get(string) (any, bool)        { return nil, false }
func (*Nop) Put(string, any, ...PutOption) {}
func (*Nop) Delete(string)                 {}
func (*Nop) Len() int                      { return 0 }

var _ Cache = (*Nop)(nil)
