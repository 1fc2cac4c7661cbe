package protocol

// Wire value layout (44 bits, safe for 53-bit integer transports):
//
//	[0:32)  coordinate hash
//	[32:38) background stack: indoor<<3 | outdoor
//	[38:44) primary stack:    indoor<<3 | outdoor
const (
	LevelBits = 3
	MaxLevel  = 1<<LevelBits - 1

	StackBits = 2 * LevelBits
	stackMask = 1<<StackBits - 1

	hashBits  = 32
	bgShift   = hashBits
	fgShift   = hashBits + StackBits
	WireBits  = hashBits + 2*StackBits
	maxWire   = 1<<WireBits - 1
	levelMask = 1<<LevelBits - 1
	hashMask  = 1<<hashBits - 1
)

// Stack is the brightness pair of one tile in one layer group.
type Stack struct {
	Indoor  uint8 `json:"indoor"`
	Outdoor uint8 `json:"outdoor"`
}

// ClampLevel clamps a brightness to [0, MaxLevel].
func ClampLevel(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > MaxLevel {
		return MaxLevel
	}
	return uint8(v)
}

func NewStack(indoor, outdoor int) Stack {
	return Stack{Indoor: ClampLevel(indoor), Outdoor: ClampLevel(outdoor)}
}

// Bits merges the pair into one 6-bit value, clamping first.
func (s Stack) Bits() uint64 {
	in := uint64(ClampLevel(int(s.Indoor)))
	out := uint64(ClampLevel(int(s.Outdoor)))
	return in<<LevelBits | out
}

func StackFromBits(v uint64) Stack {
	return Stack{Indoor: uint8(v >> LevelBits & levelMask), Outdoor: uint8(v & levelMask)}
}

// Level is the brighter of the two components.
func (s Stack) Level() uint8 {
	if s.Indoor > s.Outdoor {
		return s.Indoor
	}
	return s.Outdoor
}

// PackWire builds one wire value from a hash and both layer-group stacks.
func PackWire(hash uint32, bg, fg Stack) uint64 {
	return uint64(hash) | bg.Bits()<<bgShift | fg.Bits()<<fgShift
}

func UnpackWire(v uint64) (hash uint32, bg, fg Stack) {
	v &= maxWire
	return uint32(v & hashMask), StackFromBits(v >> bgShift & stackMask), StackFromBits(v >> fgShift & stackMask)
}
