// Package parser recognizes the structure of a case image arriving in
// arbitrarily sized chunks and tells the Host Bridge exactly which bytes to
// request next.
//
// Image layout (all integers big-endian):
//
//	[CASEHDR1][u32 len] variant[8] major u16 minor u16 count u16 {major u16 minor u16}*count
//	[PARTDATA][u32 len] bank_split u32, S-records for bank A [0,split) then bank B [split,len-4)
//	[APPUPFTR][u32 0]
package parser

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/event"
	"github.com/vitaminmoo/casedfu/internal/protocol"
	"github.com/vitaminmoo/casedfu/internal/upgrade"
)

const (
	IDSize            = 8
	GenericHeaderSize = IDSize + 4
	DataHeaderSize    = 4
	HeaderBodyMinSize = 8 + 2 + 2 + 2
	VersionEntrySize  = 4

	// PartialBufferSize bounds any structure held while it is received.
	PartialBufferSize = 128
)

const (
	HeaderID    = "CASEHDR1"
	PartitionID = "PARTDATA"
	FooterID    = "APPUPFTR"
)

// State is the parser position within the image.
type State uint8

const (
	AwaitingHeaderBlock State = iota
	AwaitingGenericHeader
	AwaitingDataHeader
	AwaitingData
	Finished
)

func (s State) String() string {
	switch s {
	case AwaitingHeaderBlock:
		return "AwaitingHeaderBlock"
	case AwaitingGenericHeader:
		return "AwaitingGenericHeader"
	case AwaitingDataHeader:
		return "AwaitingDataHeader"
	case AwaitingData:
		return "AwaitingData"
	case Finished:
		return "Finished"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Result is the outcome of a successful Parse call.
type Result uint8

const (
	// Success means the chunk was accepted and more data is expected.
	Success Result = iota
	// TransferComplete means the footer was accepted.
	TransferComplete
)

func (r Result) String() string {
	if r == TransferComplete {
		return "TransferComplete"
	}
	return "Success"
}

// Version is one major.minor pair from the image header.
type Version struct {
	Major, Minor uint16
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Header is the decoded top-level image header.
type Header struct {
	Variant    string
	Major      uint16
	Minor      uint16
	Compatible []Version
}

// Transfer is the byte accounting for one image transfer. One exists per
// transfer; it is created by Begin and discarded by End.
type Transfer struct {
	ID    string
	State State

	// Requested and Received count the current request. Received never
	// exceeds Requested.
	Requested uint32
	Received  uint32
	// Pending is the part of the current request not yet asked of the host.
	Pending uint32
	// Offset is the absolute image offset of the next expected byte.
	Offset uint32

	PartitionLength uint32
	BankSplit       uint32
	Header          *Header

	partial        []byte
	headerBodyLen  uint32
	partitionSeen  bool
	partitionStart uint32
	bank           protocol.Bank
	bankKnown      bool
	rangeIssued    bool
	tailSkip       uint32
	forwarded      uint32
}

// Partial returns the bytes held for an incompletely received structure.
func (t *Transfer) Partial() []byte {
	return t.partial
}

// Forwarded returns the number of record bytes handed to the FW state machine.
func (t *Transfer) Forwarded() uint32 {
	return t.forwarded
}

// TargetBank returns the bank being updated and whether the case has
// reported it yet.
func (t *Transfer) TargetBank() (protocol.Bank, bool) {
	return t.bank, t.bankKnown
}

// Parser drives the Transfer for the active image.
type Parser struct {
	post event.Poster
	log  *zap.Logger
	t    *Transfer
}

// New creates a parser that posts its notifications through p.
func New(p event.Poster, log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{post: p, log: log}
}

// Begin allocates a fresh Transfer, discarding any previous one.
func (p *Parser) Begin() *Transfer {
	p.t = &Transfer{
		ID:      uuid.NewString(),
		State:   AwaitingHeaderBlock,
		partial: make([]byte, 0, PartialBufferSize),
	}
	p.log.Debug("transfer context allocated", zap.String("transfer_id", p.t.ID))
	return p.t
}

// End frees the Transfer unconditionally.
func (p *Parser) End() {
	if p.t != nil {
		p.log.Debug("transfer context freed", zap.String("transfer_id", p.t.ID))
	}
	p.t = nil
}

// Transfer returns the live transfer, or nil.
func (p *Parser) Transfer() *Transfer {
	return p.t
}

// StartDataTransfer issues the first request of the image if nothing has been
// requested yet.
func (p *Parser) StartDataTransfer() {
	if p.t == nil {
		p.Begin()
	}
	t := p.t
	if t.State == AwaitingHeaderBlock && t.Requested == 0 && t.Offset == 0 {
		p.request(GenericHeaderSize, 0)
	}
}

// NextRequest returns the next byte range to ask of the host and marks it as
// issued. A zero size means nothing is to be requested now.
func (p *Parser) NextRequest() (size, offset uint32) {
	if p.t == nil || p.t.Pending == 0 {
		return 0, 0
	}
	size, offset = p.t.Pending, p.t.Offset
	p.t.Pending = 0
	return size, offset
}

// CalculateResumeOffset rebases the accounting after a host reconnect: the
// unreceived tail of the current request becomes a new request starting at
// the current offset.
func (p *Parser) CalculateResumeOffset() {
	t := p.t
	if t == nil {
		return
	}
	remaining := t.Requested - t.Received
	p.log.Info("resume offset calculated",
		zap.String("transfer_id", t.ID),
		zap.Uint32("offset", t.Offset),
		zap.Uint32("remaining", remaining),
		zap.Stringer("state", t.State))
	t.Requested = remaining
	t.Received = 0
	t.Pending = remaining
}

// HandleCaseReady records the bank the case will write and, once the data
// header is known, requests that bank's byte range.
func (p *Parser) HandleCaseReady(target protocol.Bank) error {
	t := p.t
	if t == nil {
		return upgrade.Errorf(upgrade.ErrInternal, "case ready without a transfer")
	}
	if t.bankKnown {
		if t.bank != target {
			return upgrade.Errorf(upgrade.ErrInternal, "case changed target bank from %s to %s", t.bank, target)
		}
		return nil
	}
	t.bank = target
	t.bankKnown = true
	if t.State == AwaitingData && !t.rangeIssued {
		if err := p.requestBankRange(); err != nil {
			return err
		}
		p.post.Post(event.New(event.Host, event.RequestMoreData, nil))
	}
	return nil
}

// Parse consumes one chunk. Chunks never span two requests; a chunk larger
// than what is outstanding is an error.
func (p *Parser) Parse(data []byte) (Result, error) {
	t := p.t
	if t == nil {
		return Success, upgrade.Errorf(upgrade.ErrInternal, "data without a transfer")
	}
	n := uint32(len(data))
	if n == 0 {
		return Success, nil
	}
	if t.Received+n > t.Requested {
		return Success, upgrade.Errorf(upgrade.ErrTooMuchData,
			"%d bytes with %d of %d outstanding", n, t.Requested-t.Received, t.Requested)
	}

	if t.State == AwaitingData {
		t.Received += n
		t.Offset += n
		t.forwarded += n
		p.post.Post(event.New(event.FW, event.MoreData, event.DataPayload{Data: data}))
		if t.Received == t.Requested {
			p.log.Debug("bank range received",
				zap.String("transfer_id", t.ID),
				zap.Uint32("bytes", t.forwarded),
				zap.Uint32("skip", t.tailSkip))
			t.State = AwaitingGenericHeader
			p.request(GenericHeaderSize, t.tailSkip)
		}
		return Success, nil
	}

	if len(t.partial)+len(data) > PartialBufferSize {
		return Success, upgrade.Errorf(upgrade.ErrHeaderTooBig,
			"%d bytes held, %d more exceed %d", len(t.partial), n, PartialBufferSize)
	}
	t.partial = append(t.partial, data...)
	t.Received += n
	t.Offset += n

	if t.Received < t.Requested {
		p.post.Post(event.New(event.Host, event.RequestMoreData, nil))
		return Success, nil
	}

	buf := t.partial
	t.partial = t.partial[:0]
	res, err := p.parseStructure(buf)
	if err != nil {
		// A rejected image asks for nothing more.
		t.Pending = 0
		p.log.Warn("image rejected",
			zap.String("transfer_id", t.ID),
			zap.Stringer("state", t.State),
			zap.Uint32("offset", t.Offset),
			zap.Error(err))
		return Success, err
	}
	if res == Success {
		p.post.Post(event.New(event.Host, event.RequestMoreData, nil))
	}
	return res, nil
}

func (p *Parser) parseStructure(buf []byte) (Result, error) {
	t := p.t
	switch t.State {
	case AwaitingHeaderBlock:
		if t.headerBodyLen == 0 {
			return Success, p.parseHeaderPrefix(buf)
		}
		return Success, p.parseHeaderBody(buf)
	case AwaitingGenericHeader:
		return p.parseGenericHeader(buf)
	case AwaitingDataHeader:
		return Success, p.parseDataHeader(buf)
	}
	return Success, upgrade.Errorf(upgrade.ErrInternal, "structure received in state %s", t.State)
}

func (p *Parser) parseHeaderPrefix(buf []byte) error {
	if len(buf) != GenericHeaderSize {
		return upgrade.Errorf(upgrade.ErrInternal, "generic header of %d bytes", len(buf))
	}
	id := string(buf[:IDSize])
	length := binary.BigEndian.Uint32(buf[IDSize:])
	if id != HeaderID {
		return upgrade.Errorf(upgrade.ErrUnknownID, "image starts with %q", id)
	}
	if length < HeaderBodyMinSize {
		return upgrade.Errorf(upgrade.ErrHeaderTooShort, "header body of %d bytes", length)
	}
	if length > PartialBufferSize {
		return upgrade.Errorf(upgrade.ErrHeaderTooBig, "header body of %d bytes", length)
	}
	p.t.headerBodyLen = length
	p.request(length, 0)
	return nil
}

func (p *Parser) parseHeaderBody(buf []byte) error {
	t := p.t
	if uint32(len(buf)) != t.headerBodyLen {
		return upgrade.Errorf(upgrade.ErrInternal, "header body of %d bytes, expected %d", len(buf), t.headerBodyLen)
	}
	h := &Header{
		Variant: trimVariant(buf[:8]),
		Major:   binary.BigEndian.Uint16(buf[8:10]),
		Minor:   binary.BigEndian.Uint16(buf[10:12]),
	}
	count := int(binary.BigEndian.Uint16(buf[12:14]))
	if len(buf) < HeaderBodyMinSize+count*VersionEntrySize {
		return upgrade.Errorf(upgrade.ErrHeaderTooShort,
			"%d compatible versions need %d bytes, have %d",
			count, HeaderBodyMinSize+count*VersionEntrySize, len(buf))
	}
	for i := 0; i < count; i++ {
		off := HeaderBodyMinSize + i*VersionEntrySize
		h.Compatible = append(h.Compatible, Version{
			Major: binary.BigEndian.Uint16(buf[off : off+2]),
			Minor: binary.BigEndian.Uint16(buf[off+2 : off+4]),
		})
	}
	t.Header = h

	compat := make([]event.Version, len(h.Compatible))
	for i, v := range h.Compatible {
		compat[i] = event.Version{Major: v.Major, Minor: v.Minor}
	}
	p.post.Post(event.New(event.FW, event.CompatibilityAccepted, event.CompatibilityPayload{Compatible: compat}))
	p.log.Info("image header accepted",
		zap.String("transfer_id", t.ID),
		zap.String("variant", h.Variant),
		zap.Uint16("major", h.Major),
		zap.Uint16("minor", h.Minor),
		zap.Int("compatible", count))

	t.State = AwaitingGenericHeader
	p.request(GenericHeaderSize, 0)
	return nil
}

func (p *Parser) parseGenericHeader(buf []byte) (Result, error) {
	t := p.t
	id := string(buf[:IDSize])
	length := binary.BigEndian.Uint32(buf[IDSize:GenericHeaderSize])

	switch id {
	case PartitionID:
		if t.partitionSeen {
			return Success, upgrade.Errorf(upgrade.ErrBadPartitionHeader, "second %s partition", PartitionID)
		}
		if length < DataHeaderSize {
			return Success, upgrade.Errorf(upgrade.ErrBadPartitionHeader, "partition length %d", length)
		}
		t.partitionSeen = true
		t.PartitionLength = length - DataHeaderSize
		t.partitionStart = t.Offset + DataHeaderSize
		t.State = AwaitingDataHeader
		p.request(DataHeaderSize, 0)
		return Success, nil

	case FooterID:
		if !t.partitionSeen {
			return Success, upgrade.Errorf(upgrade.ErrUnknownID, "footer before any %s partition", PartitionID)
		}
		if length != 0 {
			return Success, upgrade.Errorf(upgrade.ErrBadSignature, "footer declares %d bytes", length)
		}
		t.State = Finished
		t.Requested, t.Received, t.Pending = 0, 0, 0
		p.log.Info("image footer accepted", zap.String("transfer_id", t.ID), zap.Uint32("offset", t.Offset))
		return TransferComplete, nil
	}
	return Success, upgrade.Errorf(upgrade.ErrUnknownID, "unexpected section %q", id)
}

func (p *Parser) parseDataHeader(buf []byte) error {
	t := p.t
	t.BankSplit = binary.BigEndian.Uint32(buf[:DataHeaderSize])
	if t.BankSplit > t.PartitionLength {
		return upgrade.Errorf(upgrade.ErrPartitionSizeMismatch,
			"bank split %d beyond partition length %d", t.BankSplit, t.PartitionLength)
	}
	t.State = AwaitingData
	t.Requested, t.Received, t.Pending = 0, 0, 0
	p.log.Debug("data header accepted",
		zap.String("transfer_id", t.ID),
		zap.Uint32("partition_length", t.PartitionLength),
		zap.Uint32("bank_split", t.BankSplit))
	if t.bankKnown {
		return p.requestBankRange()
	}
	return nil
}

// requestBankRange requests [0,split) for bank A or [split,len) for bank B.
// The offset moves past whatever is skipped so resumption stays exact.
func (p *Parser) requestBankRange() error {
	t := p.t
	var size, skip uint32
	if t.bank == protocol.BankA {
		size = t.BankSplit
		skip = 0
		t.tailSkip = t.PartitionLength - t.BankSplit
	} else {
		size = t.PartitionLength - t.BankSplit
		skip = t.BankSplit
		t.tailSkip = 0
	}
	if size == 0 {
		return upgrade.Errorf(upgrade.ErrPartitionSizeMismatch, "bank %s image is empty", t.bank)
	}
	t.rangeIssued = true
	p.log.Info("bank range selected",
		zap.String("transfer_id", t.ID),
		zap.Stringer("bank", t.bank),
		zap.Uint32("offset", t.partitionStart+skip),
		zap.Uint32("size", size))
	p.request(size, skip)
	return nil
}

func (p *Parser) request(size, skip uint32) {
	t := p.t
	t.Offset += skip
	t.Requested = size
	t.Received = 0
	t.Pending = size
}

func trimVariant(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}
