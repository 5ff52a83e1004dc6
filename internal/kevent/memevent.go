package kevent

import "fmt"

// MemDiscriminant tags a memory-tracer record body.
type MemDiscriminant uint32

const (
	DiscKFree          MemDiscriminant = 1
	DiscKMAlloc        MemDiscriminant = 2
	DiscKMAllocNode    MemDiscriminant = 3
	DiscCacheAlloc     MemDiscriminant = 4
	DiscCacheAllocNode MemDiscriminant = 5
	DiscCacheFree      MemDiscriminant = 6
	DiscPageAlloc      MemDiscriminant = 7
	DiscPageFree       MemDiscriminant = 10
	DiscPageFreeBatch  MemDiscriminant = 11
	DiscRssStat        MemDiscriminant = 13
	DiscPercpuAlloc    MemDiscriminant = 15
	DiscAddToPageCache MemDiscriminant = 16
	DiscRemovePageCache MemDiscriminant = 17
	DiscMigratePages   MemDiscriminant = 18

	// DiscPercpuFree is assigned 19, not the kernel program's literal 15,
	// which collides with DiscPercpuAlloc. See DecodeMemEvent.
	DiscPercpuFree MemDiscriminant = 19
)

func (d MemDiscriminant) String() string {
	switch d {
	case DiscKFree:
		return "KFree"
	case DiscKMAlloc:
		return "KMAlloc"
	case DiscKMAllocNode:
		return "KMAllocNode"
	case DiscCacheAlloc:
		return "CacheAlloc"
	case DiscCacheAllocNode:
		return "CacheAllocNode"
	case DiscCacheFree:
		return "CacheFree"
	case DiscPageAlloc:
		return "PageAlloc"
	case DiscPageFree:
		return "PageFree"
	case DiscPageFreeBatch:
		return "PageFreeBatched"
	case DiscRssStat:
		return "RssStat"
	case DiscPercpuAlloc:
		return "PercpuAlloc"
	case DiscPercpuFree:
		return "PercpuFree"
	case DiscAddToPageCache:
		return "AddToPageCache"
	case DiscRemovePageCache:
		return "RemovePageCache"
	case DiscMigratePages:
		return "MigratePages"
	default:
		return fmt.Sprintf("MemDiscriminant(%d)", uint32(d))
	}
}

// MemEvent is a decoded memory-tracer record: its header, the typed body,
// and the stack trace captured at the event site.
type MemEvent struct {
	Header Header
	Body   any
	Stack  StackTrace
}

type KFree struct{ CallSite, Ptr uint64 }

type KMAlloc struct {
	CallSite, Ptr, BytesReq, BytesAlloc uint64
	GFP                                 uint32
}

type KMAllocNode struct {
	KMAlloc
	Node uint32
}

type CacheFree struct{ CallSite, Ptr uint64 }

type PageAlloc struct {
	PFN        uint64
	Order, GFP uint32
	MigrateTy  int32
}

type PageFree struct {
	PFN   uint64
	Order uint32
}

type PageFreeBatched struct{ PFN uint64 }

type RssStat struct {
	ID     uint32
	Curr   uint32
	Member int32
	Size   int64
}

type PageCacheOp struct {
	PFN, Inode, Index, Dev uint64
}

type MigratePages struct {
	Values [6]uint64
	Flags  [2]uint32
}

// PercpuAlloc and PercpuFree share an opaque body layout in the upstream
// kernel program ("layout per source"); we record the raw bytes rather
// than guess a struct shape.
type PercpuAlloc struct{ Raw []byte }
type PercpuFree struct{ Raw []byte }

// DecodeMemEvent decodes one memory-tracer record: header, discriminant-typed
// body, then the trailing stack trace. b must start at the record header.
func DecodeMemEvent(b []byte) (MemEvent, error) {
	h, rest, err := DecodeHeader(b)
	if err != nil {
		return MemEvent{}, err
	}

	// PercpuAlloc and PercpuFree share discriminant 15 on the wire with no
	// declared body length, so there is no reliable split point between
	// body and stack trace. Return the remainder untouched rather than
	// guess a framing that would corrupt the stack trace.
	if MemDiscriminant(h.Discriminant) == DiscPercpuAlloc {
		return MemEvent{Header: h, Body: PercpuAlloc{Raw: rest}}, nil
	}

	var body any
	switch MemDiscriminant(h.Discriminant) {
	case DiscKFree, DiscCacheFree:
		if err := need(rest, 16); err != nil {
			return MemEvent{}, err
		}
		body = CacheFree{CallSite: u64le(rest[0:8]), Ptr: u64le(rest[8:16])}
		rest = rest[16:]
	case DiscKMAlloc, DiscCacheAlloc:
		v, r, err := decodeKMAlloc(rest)
		if err != nil {
			return MemEvent{}, err
		}
		body, rest = v, r
	case DiscKMAllocNode, DiscCacheAllocNode:
		v, r, err := decodeKMAlloc(rest)
		if err != nil {
			return MemEvent{}, err
		}
		if err := need(r, 4); err != nil {
			return MemEvent{}, err
		}
		body = KMAllocNode{KMAlloc: v, Node: u32le(r[0:4])}
		rest = r[4:]
	case DiscPageAlloc:
		if err := need(rest, 20); err != nil {
			return MemEvent{}, err
		}
		body = PageAlloc{
			PFN:       u64le(rest[0:8]),
			Order:     u32le(rest[8:12]),
			GFP:       u32le(rest[12:16]),
			MigrateTy: i32le(rest[16:20]),
		}
		rest = rest[20:]
	case DiscPageFree:
		if err := need(rest, 12); err != nil {
			return MemEvent{}, err
		}
		body = PageFree{PFN: u64le(rest[0:8]), Order: u32le(rest[8:12])}
		rest = rest[12:]
	case DiscPageFreeBatch:
		if err := need(rest, 8); err != nil {
			return MemEvent{}, err
		}
		body = PageFreeBatched{PFN: u64le(rest[0:8])}
		rest = rest[8:]
	case DiscRssStat:
		if err := need(rest, 24); err != nil {
			return MemEvent{}, err
		}
		body = RssStat{
			ID:     u32le(rest[0:4]),
			Curr:   u32le(rest[4:8]),
			Member: i32le(rest[8:12]),
			// rest[12:16] is the declared padding field.
			Size: i64le(rest[16:24]),
		}
		rest = rest[24:]
	case DiscAddToPageCache, DiscRemovePageCache:
		if err := need(rest, 32); err != nil {
			return MemEvent{}, err
		}
		body = PageCacheOp{
			PFN:   u64le(rest[0:8]),
			Inode: u64le(rest[8:16]),
			Index: u64le(rest[16:24]),
			Dev:   u64le(rest[24:32]),
		}
		rest = rest[32:]
	case DiscMigratePages:
		if err := need(rest, 56); err != nil {
			return MemEvent{}, err
		}
		var mp MigratePages
		for i := 0; i < 6; i++ {
			mp.Values[i] = u64le(rest[i*8 : i*8+8])
		}
		mp.Flags[0] = u32le(rest[48:52])
		mp.Flags[1] = u32le(rest[52:56])
		body = mp
		rest = rest[56:]
	default:
		return MemEvent{}, fmt.Errorf("kevent: unhandled discriminant %s", MemDiscriminant(h.Discriminant))
	}

	stack, rest, err := DecodeStackTrace(rest)
	if err != nil {
		return MemEvent{}, err
	}
	_ = rest

	return MemEvent{Header: h, Body: body, Stack: stack}, nil
}

func decodeKMAlloc(b []byte) (KMAlloc, []byte, error) {
	if err := need(b, 36); err != nil {
		return KMAlloc{}, nil, err
	}
	v := KMAlloc{
		CallSite:   u64le(b[0:8]),
		Ptr:        u64le(b[8:16]),
		BytesReq:   u64le(b[16:24]),
		BytesAlloc: u64le(b[24:32]),
		GFP:        u32le(b[32:36]),
	}
	return v, b[36:], nil
}
