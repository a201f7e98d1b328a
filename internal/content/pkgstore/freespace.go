package pkgstore

import "sort"

// Region свободный участок файла пакета [Offset, Offset+Length)
type Region struct {
	Offset int64
	Length int64
}

// End возвращает смещение сразу за участком
func (r Region) End() int64 { return r.Offset + r.Length }

// FreeSpaces список свободных участков пакета, отсортированный по возрастанию длины.
type FreeSpaces []Region

// Take выделяет size байт из первого участка достаточной длины.
// Остаток участка остаётся в списке. Возвращает false, если подходящего участка нет.
func (f *FreeSpaces) Take(size int64) (int64, bool) {
	if size <= 0 {
		return 0, false
	}
	for i, r := range *f {
		if r.Length < size {
			continue
		}
		offset := r.Offset
		if r.Length == size {
			*f = append((*f)[:i], (*f)[i+1:]...)
		} else {
			(*f)[i] = Region{Offset: r.Offset + size, Length: r.Length - size}
			f.sort()
		}
		return offset, true
	}
	return 0, false
}

// Release возвращает участок в список, объединяя его с соседями:
// с участком, который заканчивается на его начале, и с участком,
// который начинается на его конце.
func (f *FreeSpaces) Release(offset, length int64) {
	if length <= 0 {
		return
	}
	merged := Region{Offset: offset, Length: length}

	out := (*f)[:0]
	for _, r := range *f {
		switch {
		case r.End() == merged.Offset:
			merged = Region{Offset: r.Offset, Length: r.Length + merged.Length}
		case merged.End() == r.Offset:
			merged.Length += r.Length
		default:
			out = append(out, r)
		}
	}
	*f = append(out, merged)
	f.sort()
}

// Reserve вырезает из списка конкретный участок [offset, offset+length).
// Участок должен целиком лежать внутри одного свободного региона.
func (f *FreeSpaces) Reserve(offset, length int64) bool {
	for i, r := range *f {
		if offset < r.Offset || offset+length > r.End() {
			continue
		}
		*f = append((*f)[:i], (*f)[i+1:]...)
		if head := offset - r.Offset; head > 0 {
			*f = append(*f, Region{Offset: r.Offset, Length: head})
		}
		if tail := r.End() - (offset + length); tail > 0 {
			*f = append(*f, Region{Offset: offset + length, Length: tail})
		}
		f.sort()
		return true
	}
	return false
}

// Total суммарный объём свободного места
func (f FreeSpaces) Total() int64 {
	var total int64
	for _, r := range f {
		total += r.Length
	}
	return total
}

// Clone копия списка
func (f FreeSpaces) Clone() FreeSpaces {
	return append(FreeSpaces(nil), f...)
}

func (f *FreeSpaces) sort() {
	s := *f
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].Length != s[j].Length {
			return s[i].Length < s[j].Length
		}
		return s[i].Offset < s[j].Offset
	})
}
