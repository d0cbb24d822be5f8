package firmware

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// DefaultRecordData is the number of data bytes FromBinary puts in one S3
// record.
const DefaultRecordData = 32

// Record is one decoded S-record line.
type Record struct {
	Type    byte // '0'..'9'
	Address uint32
	Data    []byte
}

func addrSize(t byte) (int, error) {
	switch t {
	case '0', '1', '5', '9':
		return 2, nil
	case '2', '6', '8':
		return 3, nil
	case '3', '7':
		return 4, nil
	}
	return 0, fmt.Errorf("unknown record type S%c", t)
}

// Encode renders r as an S-record line without the line ending.
func (r Record) Encode() (string, error) {
	n, err := addrSize(r.Type)
	if err != nil {
		return "", err
	}
	count := n + len(r.Data) + 1
	if count > 0xFF {
		return "", fmt.Errorf("S%c record with %d data bytes is too long", r.Type, len(r.Data))
	}
	body := make([]byte, 0, 1+count)
	body = append(body, byte(count))
	for i := n - 1; i >= 0; i-- {
		body = append(body, byte(r.Address>>(8*i)))
	}
	body = append(body, r.Data...)
	body = append(body, checksum(body))
	return "S" + string(r.Type) + strings.ToUpper(hex.EncodeToString(body)), nil
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return ^sum
}

// ParseRecord decodes and checks one S-record line.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 4 || line[0] != 'S' {
		return Record{}, fmt.Errorf("not an S-record: %q", line)
	}
	t := line[1]
	n, err := addrSize(t)
	if err != nil {
		return Record{}, err
	}
	body, err := hex.DecodeString(line[2:])
	if err != nil {
		return Record{}, fmt.Errorf("invalid hex in S%c record: %w", t, err)
	}
	if len(body) < 1+n+1 || int(body[0]) != len(body)-1 {
		return Record{}, fmt.Errorf("S%c record count byte %d does not match %d bytes", t, body[0], len(body)-1)
	}
	if sum := checksum(body[:len(body)-1]); sum != body[len(body)-1] {
		return Record{}, fmt.Errorf("S%c record checksum 0x%02X, want 0x%02X", t, body[len(body)-1], sum)
	}
	var addr uint32
	for _, b := range body[1 : 1+n] {
		addr = addr<<8 | uint32(b)
	}
	return Record{Type: t, Address: addr, Data: body[1+n : len(body)-1]}, nil
}

// ParseRecords reads a newline-delimited S-record set, skipping blank lines.
func ParseRecords(r io.Reader) ([]Record, error) {
	var out []Record
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return out, nil
}

// CheckBank verifies a bank's record set has the shape the case accepts:
// one leading S0, data records, and a terminator last.
func CheckBank(data []byte) (records int, err error) {
	recs, err := ParseRecords(bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	if len(recs) < 2 {
		return 0, fmt.Errorf("bank holds %d records, need at least S0 and a terminator", len(recs))
	}
	if recs[0].Type != '0' {
		return 0, fmt.Errorf("first record is S%c, want S0", recs[0].Type)
	}
	last := recs[len(recs)-1].Type
	if last != '7' && last != '8' && last != '9' {
		return 0, fmt.Errorf("last record is S%c, want a terminator", last)
	}
	for i, r := range recs[1 : len(recs)-1] {
		if r.Type != '1' && r.Type != '2' && r.Type != '3' && r.Type != '5' && r.Type != '6' {
			return 0, fmt.Errorf("record %d is S%c inside the data", i+2, r.Type)
		}
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimRight(line, "\r")) > 256 {
			return 0, fmt.Errorf("record line of %d bytes exceeds 256", len(line))
		}
	}
	return len(recs), nil
}

// FromBinary converts raw bytes loaded at addr into an S0/S3/S7 record set.
func FromBinary(data []byte, addr uint32, name string, perRecord int) ([]byte, error) {
	if perRecord <= 0 {
		perRecord = DefaultRecordData
	}
	if perRecord > 250 {
		return nil, fmt.Errorf("%d data bytes per record exceeds 250", perRecord)
	}
	var b strings.Builder
	write := func(r Record) error {
		line, err := r.Encode()
		if err != nil {
			return err
		}
		b.WriteString(line)
		b.WriteByte('\n')
		return nil
	}
	if err := write(Record{Type: '0', Data: []byte(name)}); err != nil {
		return nil, err
	}
	for off := 0; off < len(data); off += perRecord {
		end := min(off+perRecord, len(data))
		if err := write(Record{Type: '3', Address: addr + uint32(off), Data: data[off:end]}); err != nil {
			return nil, err
		}
	}
	if err := write(Record{Type: '7', Address: addr}); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
