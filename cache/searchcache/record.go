package searchcache

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/fschiettecatte/mps-sub005/lwps"
	"github.com/golang/snappy"
)

// Tag vocabulary, per spec.md §6's cache record tag table.
const (
	tagMaxSortKey     = 'W'
	tagTotalResults   = 'S'
	tagShortResults   = 'H'
	tagSearchText     = 'T'
	tagPositiveFB     = 'P'
	tagNegativeFB     = 'N'
	tagTermType       = 'G'
	tagTermCount      = 'E'
	tagDocumentCount  = 'Y'
	tagRequiredFlag   = 'U'
	tagPostings       = 'O'
	tagTerm           = 'A'
	tagFieldName      = 'C'
	tagWeightCount    = 'Z'
	tagWeights        = 'F'
	tagSearchReport   = 'R'
	tagIndexName      = 'D'
	tagLastUpdateTime = 'L'
	// tagBitmap is not in spec.md §6's enumerated table; the document-bitmap
	// artifact class needs a raw-bytes encoding the table doesn't name, so
	// one is added here in the same single-letter style.
	tagBitmap = 'B'
)

type recordWriter struct {
	buf bytes.Buffer
}

func (w *recordWriter) tag(t byte) { w.buf.WriteByte(t) }

func (w *recordWriter) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *recordWriter) float64(f float64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], math.Float64bits(f))
	w.buf.Write(tmp[:])
}

func (w *recordWriter) float32(f float32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], math.Float32bits(f))
	w.buf.Write(tmp[:])
}

func (w *recordWriter) cstring(s string) {
	w.buf.WriteString(s)
	w.buf.WriteByte(0)
}

func (w *recordWriter) rawBytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf.Write(b)
}

// field helpers combine a tag with its payload.
func (w *recordWriter) uintField(t byte, v uint64)    { w.tag(t); w.uvarint(v) }
func (w *recordWriter) floatField(t byte, v float64)  { w.tag(t); w.float64(v) }
func (w *recordWriter) stringField(t byte, v string)  { w.tag(t); w.cstring(v) }
func (w *recordWriter) boolField(t byte, v bool) {
	n := uint64(0)
	if v {
		n = 1
	}
	w.uintField(t, n)
}

// encode wraps the tag stream with a leading compression flag byte, per
// SPEC_FULL.md §4.3: 1 means the remainder is snappy-compressed.
func encode(w *recordWriter, compress bool) []byte {
	payload := w.buf.Bytes()
	if compress {
		out := make([]byte, 1+snappy.MaxEncodedLen(len(payload)))
		out[0] = 1
		n := snappy.Encode(out[1:], payload)
		return out[:1+n]
	}
	out := make([]byte, 1+len(payload))
	out[0] = 0
	copy(out[1:], payload)
	return out
}

func decodeFrame(raw []byte) ([]byte, error) {
	if len(raw) < 1 {
		return nil, fmt.Errorf("searchcache: empty record")
	}
	if raw[0] == 0 {
		return raw[1:], nil
	}
	return snappy.Decode(nil, raw[1:])
}

type recordReader struct {
	r *bufio.Reader
}

func newRecordReader(payload []byte) *recordReader {
	return &recordReader{r: bufio.NewReader(bytes.NewReader(payload))}
}

func (r *recordReader) readTag() (byte, error) {
	return r.r.ReadByte()
}

func (r *recordReader) readUvarint() (uint64, error) {
	return binary.ReadUvarint(r.r)
}

func (r *recordReader) readFloat64() (float64, error) {
	var tmp [8]byte
	if _, err := io.ReadFull(r.r, tmp[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(tmp[:])), nil
}

func (r *recordReader) readFloat32() (float32, error) {
	var tmp [4]byte
	if _, err := io.ReadFull(r.r, tmp[:]); err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.BigEndian.Uint32(tmp[:])), nil
}

func (r *recordReader) readCString() (string, error) {
	s, err := r.r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func (r *recordReader) readRawBytes() ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// skipUnknown is called after readTag has already consumed an unrecognized
// tag byte; it discards the one byte that follows that tag, and parsing
// resumes from the byte after it. An unrecognized tag does not abort the
// whole record.
func (r *recordReader) skipUnknown() {
	r.r.ReadByte()
}

// EncodeShortResults serializes a ShortResults artifact.
func EncodeShortResults(v *ShortResults, compress bool) []byte {
	w := &recordWriter{}
	w.stringField(tagIndexName, v.IndexName)
	w.uintField(tagLastUpdateTime, uint64(v.LastUpdateTime))
	w.stringField(tagSearchText, v.SearchText)
	w.stringField(tagPositiveFB, v.PositiveFB)
	w.stringField(tagNegativeFB, v.NegativeFB)
	w.uintField(tagTotalResults, v.TotalResults)
	w.floatField(tagMaxSortKey, v.MaxSortKey)

	w.tag(tagShortResults)
	w.uvarint(uint64(len(v.Rows)))
	for _, row := range v.Rows {
		w.cstring(row.DocKey)
		w.uvarint(uint64(row.SortKey.Type))
		switch row.SortKey.Type {
		case lwps.SortUCharAsc, lwps.SortUCharDesc:
			w.cstring(row.SortKey.Str)
		case lwps.SortUIntAsc, lwps.SortUIntDesc:
			w.uvarint(row.SortKey.UInt)
		case lwps.SortDoubleAsc, lwps.SortDoubleDesc:
			w.float64(row.SortKey.Float)
		}
	}
	return encode(w, compress)
}

// DecodeShortResults parses a ShortResults artifact previously produced by
// EncodeShortResults.
func DecodeShortResults(raw []byte) (*ShortResults, error) {
	payload, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	r := newRecordReader(payload)
	out := &ShortResults{}
	for {
		t, err := r.readTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t {
		case tagIndexName:
			out.IndexName, err = r.readCString()
		case tagLastUpdateTime:
			var n uint64
			n, err = r.readUvarint()
			out.LastUpdateTime = int64(n)
		case tagSearchText:
			out.SearchText, err = r.readCString()
		case tagPositiveFB:
			out.PositiveFB, err = r.readCString()
		case tagNegativeFB:
			out.NegativeFB, err = r.readCString()
		case tagTotalResults:
			out.TotalResults, err = r.readUvarint()
		case tagMaxSortKey:
			out.MaxSortKey, err = r.readFloat64()
		case tagShortResults:
			var n uint64
			n, err = r.readUvarint()
			if err != nil {
				return nil, err
			}
			out.Rows = make([]ShortResultsRow, 0, n)
			for i := uint64(0); i < n; i++ {
				var row ShortResultsRow
				if row.DocKey, err = r.readCString(); err != nil {
					return nil, err
				}
				var kind uint64
				if kind, err = r.readUvarint(); err != nil {
					return nil, err
				}
				row.SortKey.Type = lwps.SortType(kind)
				switch row.SortKey.Type {
				case lwps.SortUCharAsc, lwps.SortUCharDesc:
					row.SortKey.Str, err = r.readCString()
				case lwps.SortUIntAsc, lwps.SortUIntDesc:
					row.SortKey.UInt, err = r.readUvarint()
				case lwps.SortDoubleAsc, lwps.SortDoubleDesc:
					row.SortKey.Float, err = r.readFloat64()
				}
				if err != nil {
					return nil, err
				}
				out.Rows = append(out.Rows, row)
			}
		default:
			r.skipUnknown()
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodePostings serializes a Postings artifact.
func EncodePostings(v *Postings, compress bool) []byte {
	w := &recordWriter{}
	w.stringField(tagIndexName, v.IndexName)
	w.uintField(tagLastUpdateTime, uint64(v.LastUpdateTime))
	w.stringField(tagTerm, v.Term)
	w.stringField(tagFieldName, v.FieldName)
	w.uintField(tagTermType, v.TermType)
	w.uintField(tagTermCount, v.TermCount)
	w.uintField(tagDocumentCount, v.DocumentCount)
	w.boolField(tagRequiredFlag, v.RequiredFlag)

	w.tag(tagPostings)
	w.uvarint(uint64(len(v.Rows)))
	for _, row := range v.Rows {
		w.uvarint(row.DocID)
		w.uvarint(row.TermPosition)
		w.float64(row.Weight)
	}
	return encode(w, compress)
}

// DecodePostings parses a Postings artifact previously produced by
// EncodePostings.
func DecodePostings(raw []byte) (*Postings, error) {
	payload, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	r := newRecordReader(payload)
	out := &Postings{}
	for {
		t, err := r.readTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t {
		case tagIndexName:
			out.IndexName, err = r.readCString()
		case tagLastUpdateTime:
			var n uint64
			n, err = r.readUvarint()
			out.LastUpdateTime = int64(n)
		case tagTerm:
			out.Term, err = r.readCString()
		case tagFieldName:
			out.FieldName, err = r.readCString()
		case tagTermType:
			out.TermType, err = r.readUvarint()
		case tagTermCount:
			out.TermCount, err = r.readUvarint()
		case tagDocumentCount:
			out.DocumentCount, err = r.readUvarint()
		case tagRequiredFlag:
			var n uint64
			n, err = r.readUvarint()
			out.RequiredFlag = n != 0
		case tagPostings:
			var n uint64
			n, err = r.readUvarint()
			if err != nil {
				return nil, err
			}
			out.Rows = make([]PostingsRow, 0, n)
			for i := uint64(0); i < n; i++ {
				var row PostingsRow
				if row.DocID, err = r.readUvarint(); err != nil {
					return nil, err
				}
				if row.TermPosition, err = r.readUvarint(); err != nil {
					return nil, err
				}
				if row.Weight, err = r.readFloat64(); err != nil {
					return nil, err
				}
				out.Rows = append(out.Rows, row)
			}
		default:
			r.skipUnknown()
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeWeightVector serializes a WeightVector artifact.
func EncodeWeightVector(v *WeightVector, compress bool) []byte {
	w := &recordWriter{}
	w.stringField(tagIndexName, v.IndexName)
	w.uintField(tagLastUpdateTime, uint64(v.LastUpdateTime))
	w.stringField(tagTerm, v.WeightName)
	w.uintField(tagWeightCount, uint64(len(v.Weights)))
	w.tag(tagWeights)
	for _, f := range v.Weights {
		w.float32(f)
	}
	return encode(w, compress)
}

// DecodeWeightVector parses a WeightVector artifact previously produced by
// EncodeWeightVector.
func DecodeWeightVector(raw []byte) (*WeightVector, error) {
	payload, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	r := newRecordReader(payload)
	out := &WeightVector{}
	var count uint64
	for {
		t, err := r.readTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t {
		case tagIndexName:
			out.IndexName, err = r.readCString()
		case tagLastUpdateTime:
			var n uint64
			n, err = r.readUvarint()
			out.LastUpdateTime = int64(n)
		case tagTerm:
			out.WeightName, err = r.readCString()
		case tagWeightCount:
			count, err = r.readUvarint()
		case tagWeights:
			out.Weights = make([]float32, count)
			for i := uint64(0); i < count; i++ {
				if out.Weights[i], err = r.readFloat32(); err != nil {
					return nil, err
				}
			}
		default:
			r.skipUnknown()
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// EncodeBitmap serializes a Bitmap artifact.
func EncodeBitmap(v *Bitmap, compress bool) []byte {
	w := &recordWriter{}
	w.stringField(tagIndexName, v.IndexName)
	w.uintField(tagLastUpdateTime, uint64(v.LastUpdateTime))
	w.stringField(tagTerm, v.BitmapName)
	w.tag(tagBitmap)
	w.rawBytes(v.Bits)
	return encode(w, compress)
}

// DecodeBitmap parses a Bitmap artifact previously produced by
// EncodeBitmap.
func DecodeBitmap(raw []byte) (*Bitmap, error) {
	payload, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}
	r := newRecordReader(payload)
	out := &Bitmap{}
	for {
		t, err := r.readTag()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t {
		case tagIndexName:
			out.IndexName, err = r.readCString()
		case tagLastUpdateTime:
			var n uint64
			n, err = r.readUvarint()
			out.LastUpdateTime = int64(n)
		case tagTerm:
			out.BitmapName, err = r.readCString()
		case tagBitmap:
			out.Bits, err = r.readRawBytes()
		default:
			r.skipUnknown()
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
