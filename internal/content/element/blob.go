package element

// Blob непрозрачная полезная нагрузка для UIScreen, Skeleton и Sound:
// ядро хранит эти типы как сырые байты, их разбор выполняют потребители.
type Blob struct {
	Hdr  Header
	Data []byte
}

func (b *Blob) Header() *Header { return &b.Hdr }

func (b *Blob) Size() int64 {
	return b.Hdr.size() + sizeInt32 + sizeBytes(b.Data)
}

func (b *Blob) Encode(w *Writer) error {
	b.Hdr.EncodeHeader(w)
	w.Int32(Version)
	w.Bytes(b.Data)
	return w.Flush()
}

func (b *Blob) decodePayload(r *Reader) {
	if version := r.Int32(); version < 1 {
		return
	}
	b.Data = r.Bytes()
	if len(b.Data) == 0 {
		b.Data = nil
	}
}

func (b *Blob) Clone() Element {
	return &Blob{
		Hdr:  b.Hdr.detached(),
		Data: append([]byte(nil), b.Data...),
	}
}

func (b *Blob) Stub() Element {
	h := b.Hdr
	h.Loaded = false
	return &Blob{Hdr: h}
}
