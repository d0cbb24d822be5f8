package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/parser"
	"github.com/vitaminmoo/casedfu/internal/protocol"
)

// VariantSize is the width of the variant field in the image header.
const VariantSize = 8

// Image describes a case image.
type Image struct {
	Variant    string
	Major      uint16
	Minor      uint16
	Compatible []parser.Version

	// PartitionOffset is the file offset of the first partition data byte.
	PartitionOffset uint32
	PartitionLength uint32
	BankSplit       uint32

	BankA []byte
	BankB []byte

	RecordsA int
	RecordsB int

	Size int
}

// Bank returns the record set written to b.
func (img *Image) Bank(b protocol.Bank) []byte {
	if b == protocol.BankB {
		return img.BankB
	}
	return img.BankA
}

// ParseImage reads and inspects a case image file.
func ParseImage(path string) (*Image, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	img, err := Inspect(data)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

// sink collects the record bytes the parser forwards.
type sink struct {
	data []byte
}

func (s *sink) Post(ev event.Event) {
	if ev.ID == event.MoreData {
		s.data = append(s.data, ev.Payload.(event.DataPayload).Data...)
	}
}

// Inspect walks data with the same rules the engine applies while receiving
// it, once per target bank, and checks both record sets.
func Inspect(data []byte) (*Image, error) {
	img := &Image{Size: len(data)}
	for _, bank := range []protocol.Bank{protocol.BankA, protocol.BankB} {
		s := &sink{}
		p := parser.New(s, nil)
		t := p.Begin()
		if err := p.HandleCaseReady(bank); err != nil {
			return nil, err
		}
		if err := serve(p, data); err != nil {
			return nil, fmt.Errorf("bank %s: %w", bank, err)
		}
		if t.Offset != uint32(len(data)) {
			return nil, fmt.Errorf("%d trailing bytes after the footer", len(data)-int(t.Offset))
		}

		h := t.Header
		img.Variant, img.Major, img.Minor, img.Compatible = h.Variant, h.Major, h.Minor, h.Compatible
		img.PartitionLength = t.PartitionLength
		img.BankSplit = t.BankSplit
		if bank == protocol.BankA {
			img.BankA = s.data
		} else {
			img.BankB = s.data
		}
	}
	img.PartitionOffset = uint32(len(data)) - parser.GenericHeaderSize - img.PartitionLength

	var err error
	if img.RecordsA, err = CheckBank(img.BankA); err != nil {
		return nil, fmt.Errorf("bank A: %w", err)
	}
	if img.RecordsB, err = CheckBank(img.BankB); err != nil {
		return nil, fmt.Errorf("bank B: %w", err)
	}
	return img, nil
}

// serve answers every request the parser makes from data until the footer.
func serve(p *parser.Parser, data []byte) error {
	p.StartDataTransfer()
	for {
		size, off := p.NextRequest()
		if size == 0 {
			return errors.New("image ended without a footer")
		}
		end := uint64(off) + uint64(size)
		if end > uint64(len(data)) {
			return fmt.Errorf("image truncated: need bytes [%d,%d) of %d", off, end, len(data))
		}
		res, err := p.Parse(data[off:end])
		if err != nil {
			return err
		}
		if res == parser.TransferComplete {
			return nil
		}
	}
}

// PackSpec describes an image to build.
type PackSpec struct {
	Variant    string
	Major      uint16
	Minor      uint16
	Compatible []parser.Version
	BankA      []byte
	BankB      []byte
}

// Pack builds a case image from two bank record sets. The result is checked
// with Inspect before it is returned.
func Pack(spec PackSpec) ([]byte, error) {
	if len(spec.Variant) > VariantSize {
		return nil, fmt.Errorf("variant %q longer than %d bytes", spec.Variant, VariantSize)
	}
	maxCompat := (parser.PartialBufferSize - parser.HeaderBodyMinSize) / parser.VersionEntrySize
	if len(spec.Compatible) > maxCompat {
		return nil, fmt.Errorf("%d compatible versions exceed %d", len(spec.Compatible), maxCompat)
	}

	var buf bytes.Buffer
	body := make([]byte, VariantSize)
	copy(body, spec.Variant)
	body = binary.BigEndian.AppendUint16(body, spec.Major)
	body = binary.BigEndian.AppendUint16(body, spec.Minor)
	body = binary.BigEndian.AppendUint16(body, uint16(len(spec.Compatible)))
	for _, v := range spec.Compatible {
		body = binary.BigEndian.AppendUint16(body, v.Major)
		body = binary.BigEndian.AppendUint16(body, v.Minor)
	}
	writeSection(&buf, parser.HeaderID, body)

	part := binary.BigEndian.AppendUint32(nil, uint32(len(spec.BankA)))
	part = append(part, spec.BankA...)
	part = append(part, spec.BankB...)
	writeSection(&buf, parser.PartitionID, part)
	writeSection(&buf, parser.FooterID, nil)

	out := buf.Bytes()
	if _, err := Inspect(out); err != nil {
		return nil, fmt.Errorf("packed image rejected: %w", err)
	}
	return out, nil
}

func writeSection(buf *bytes.Buffer, id string, body []byte) {
	buf.WriteString(id)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(body)))
	buf.Write(n[:])
	buf.Write(body)
}
