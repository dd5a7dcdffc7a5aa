package memory

import "sort"

type block struct {
	addr uint64
	data []byte
}

func (b block) end() uint64 { return b.addr + uint64(len(b.data)) }

// blocks is the memory known for one target: sorted, disjoint and never
// adjacent, so a readable range always lies inside a single block.
type blocks []block

func (bs blocks) read(addr uint64, n int) ([]byte, bool) {
	i := sort.Search(len(bs), func(i int) bool { return bs[i].end() > addr })
	if i == len(bs) || bs[i].addr > addr || bs[i].end() < addr+uint64(n) {
		return nil, false
	}
	off := addr - bs[i].addr
	out := make([]byte, n)
	copy(out, bs[i].data[off:])
	return out, true
}

// store merges data at addr into bs. New bytes win over cached ones.
func (bs blocks) store(addr uint64, data []byte) blocks {
	if len(data) == 0 {
		return bs
	}
	start, end := addr, addr+uint64(len(data))
	var out blocks
	var merged []block
	for _, b := range bs {
		if b.end() < start || b.addr > end {
			out = append(out, b)
			continue
		}
		merged = append(merged, b)
		start = min(start, b.addr)
		end = max(end, b.end())
	}
	buf := make([]byte, end-start)
	for _, b := range merged {
		copy(buf[b.addr-start:], b.data)
	}
	copy(buf[addr-start:], data)
	out = append(out, block{addr: start, data: buf})
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// invalidate drops the bytes in [addr, addr+n) from bs.
func (bs blocks) invalidate(addr uint64, n int) blocks {
	start, end := addr, addr+uint64(n)
	var out blocks
	for _, b := range bs {
		if b.end() <= start || b.addr >= end {
			out = append(out, b)
			continue
		}
		if b.addr < start {
			out = append(out, block{addr: b.addr, data: b.data[:start-b.addr]})
		}
		if b.end() > end {
			out = append(out, block{addr: end, data: b.data[end-b.addr:]})
		}
	}
	return out
}
