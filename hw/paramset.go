package hw

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ParamSetSize is the number of bytes needed to store a [ParamSet] in the
// PaRAM.
const ParamSetSize = 32

// paramBase is the offset of the first PaRAM entry within the channel
// controller's register space. Link fields hold the low 16 bits of
// paramBase + slot*ParamSetSize.
const paramBase = 0x4000

// NullLink terminates a chain: after the current param-set is exhausted the
// engine loads a null set and raises no further events.
const NullLink = 0xffff

// ErrParamSetBufferTooSmall is returned when a buffer is too small to fit a
// param-set.
var ErrParamSetBufferTooSmall = errors.New("the buffer is too small to fit a param-set")

// Option bits of [ParamSet.Opt].
const (
	// OptSAM puts the source into constant addressing (FIFO) mode.
	OptSAM uint32 = 1 << 0
	// OptDAM puts the destination into constant addressing (FIFO) mode.
	OptDAM uint32 = 1 << 1
	// OptSyncDimAB makes every sync event transfer a whole ACNT*BCNT frame.
	OptSyncDimAB uint32 = 1 << 2
	// OptStatic prevents the entry from being updated or linked after use.
	OptStatic uint32 = 1 << 3
	// OptTCCModeEarly reports completion when the transfer is submitted.
	OptTCCModeEarly uint32 = 1 << 11
	// OptTCIntEn raises a completion interrupt when the param-set is done.
	OptTCIntEn uint32 = 1 << 20
	// OptITCIntEn raises a completion interrupt for intermediate transfers.
	OptITCIntEn uint32 = 1 << 21
	// OptTCChEn chains to the channel in TCC when the param-set is done.
	OptTCChEn uint32 = 1 << 22

	optTCCShift = 12
	optTCCMask  = 0x3f << optTCCShift
)

// OptTCC returns the option bits selecting the transfer completion code,
// which is the channel whose completion handler is notified.
func OptTCC(ch Channel) uint32 {
	return (uint32(ch) << optTCCShift) & optTCCMask
}

// ParamSet is one PaRAM entry as stored by the channel controller.
//
// Kernel name: edmacc_param
type ParamSet struct {
	// Opt carries the transfer options, see the Opt* constants.
	Opt uint32
	// Src is the device address the transfer reads from.
	Src uint32
	// ABCnt holds ACNT (bytes per element) in the low and BCNT (elements per
	// frame) in the high half.
	ABCnt uint32
	// Dst is the device address the transfer writes to.
	Dst uint32
	// SrcDstBIdx holds the signed source (low) and destination (high) element
	// strides.
	SrcDstBIdx uint32
	// LinkBCntRld holds the link address (low) and the BCNT reload value
	// (high).
	LinkBCntRld uint32
	// SrcDstCIdx holds the signed source (low) and destination (high) frame
	// strides.
	SrcDstCIdx uint32
	// CCnt is the number of frames.
	CCnt uint32
}

// ACnt returns the number of bytes per element.
func (p ParamSet) ACnt() int {
	return int(p.ABCnt & 0xffff)
}

// BCnt returns the number of elements per frame.
func (p ParamSet) BCnt() int {
	return int(p.ABCnt >> 16)
}

// SrcBIdx returns the source element stride.
func (p ParamSet) SrcBIdx() int {
	return int(int16(p.SrcDstBIdx & 0xffff))
}

// DstBIdx returns the destination element stride.
func (p ParamSet) DstBIdx() int {
	return int(int16(p.SrcDstBIdx >> 16))
}

// SrcCIdx returns the source frame stride.
func (p ParamSet) SrcCIdx() int {
	return int(int16(p.SrcDstCIdx & 0xffff))
}

// DstCIdx returns the destination frame stride.
func (p ParamSet) DstCIdx() int {
	return int(int16(p.SrcDstCIdx >> 16))
}

// SetCounts stores ACNT and BCNT.
func (p *ParamSet) SetCounts(acnt, bcnt int) {
	p.ABCnt = uint32(bcnt&0xffff)<<16 | uint32(acnt&0xffff)
}

// IsNull reports whether the param-set describes no transfer. The engine
// raises an error when it is triggered on one.
func (p ParamSet) IsNull() bool {
	return p.ACnt() == 0 || p.BCnt() == 0 || p.CCnt == 0
}

// NullParamSet returns the param-set the engine loads after a null link.
func NullParamSet() ParamSet {
	return ParamSet{LinkBCntRld: NullLink}
}

// TCC returns the channel notified on completion.
func (p ParamSet) TCC() Channel {
	return Channel((p.Opt & optTCCMask) >> optTCCShift)
}

// SetLink points the link field at the given slot, or clears it for
// [NoSlot]. The BCNT reload value is left untouched.
func (p *ParamSet) SetLink(s Slot) {
	link := uint32(NullLink)
	if s >= 0 {
		link = uint32(paramBase+int(s)*ParamSetSize) & 0xffff
	}
	p.LinkBCntRld = p.LinkBCntRld&0xffff0000 | link
}

// Link decodes the link field back into a slot. It returns [NoSlot] for a
// null link.
func (p ParamSet) Link() Slot {
	link := int(p.LinkBCntRld & 0xffff)
	if link == NullLink || link < paramBase {
		return NoSlot
	}
	return Slot((link - paramBase) / ParamSetSize)
}

// BCntRld returns the BCNT reload value.
func (p ParamSet) BCntRld() int {
	return int(p.LinkBCntRld >> 16)
}

func (p ParamSet) String() string {
	return fmt.Sprintf("opt=0x%08x src=0x%08x dst=0x%08x acnt=%d bcnt=%d bidx=%d/%d link=%s",
		p.Opt, p.Src, p.Dst, p.ACnt(), p.BCnt(), p.SrcBIdx(), p.DstBIdx(), p.Link())
}

// Decode decodes the [ParamSet] from the given byte slice. The slice must
// contain at least [ParamSetSize] bytes.
func (p *ParamSet) Decode(data []byte) error {
	if len(data) < ParamSetSize {
		return ErrParamSetBufferTooSmall
	}
	p.Opt = binary.LittleEndian.Uint32(data[0:4])
	p.Src = binary.LittleEndian.Uint32(data[4:8])
	p.ABCnt = binary.LittleEndian.Uint32(data[8:12])
	p.Dst = binary.LittleEndian.Uint32(data[12:16])
	p.SrcDstBIdx = binary.LittleEndian.Uint32(data[16:20])
	p.LinkBCntRld = binary.LittleEndian.Uint32(data[20:24])
	p.SrcDstCIdx = binary.LittleEndian.Uint32(data[24:28])
	p.CCnt = binary.LittleEndian.Uint32(data[28:32])
	return nil
}

// Encode encodes the [ParamSet] into the given byte slice. The slice must have
// room for at least [ParamSetSize] bytes.
func (p *ParamSet) Encode(data []byte) error {
	if len(data) < ParamSetSize {
		return ErrParamSetBufferTooSmall
	}
	binary.LittleEndian.PutUint32(data[0:4], p.Opt)
	binary.LittleEndian.PutUint32(data[4:8], p.Src)
	binary.LittleEndian.PutUint32(data[8:12], p.ABCnt)
	binary.LittleEndian.PutUint32(data[12:16], p.Dst)
	binary.LittleEndian.PutUint32(data[16:20], p.SrcDstBIdx)
	binary.LittleEndian.PutUint32(data[20:24], p.LinkBCntRld)
	binary.LittleEndian.PutUint32(data[24:28], p.SrcDstCIdx)
	binary.LittleEndian.PutUint32(data[28:32], p.CCnt)
	return nil
}
