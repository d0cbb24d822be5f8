package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vitaminmoo/casedfu/internal/firmware"
	"github.com/vitaminmoo/casedfu/internal/store"
)

// BankSource is one bank's record set: an S-record file, or a raw binary
// converted at Addr.
type BankSource struct {
	File   string
	Binary bool
	Addr   uint32
}

// PackOptions describes an image to build.
type PackOptions struct {
	Output     string
	Variant    string
	Version    string
	Compatible []string
	BankA      BankSource
	BankB      BankSource
	// RecordSize is the data bytes per S3 record for binary banks.
	RecordSize int
}

// Pack builds a case image and writes it to opts.Output.
func Pack(env Env, opts PackOptions) error {
	log := env.logger()
	if opts.Output == "" {
		return errors.New("no output file given")
	}
	v, err := firmware.ParseVersion(opts.Version)
	if err != nil {
		return err
	}
	compat, err := firmware.ParseVersions(opts.Compatible)
	if err != nil {
		return err
	}
	a, err := loadBank(opts.BankA, opts.RecordSize)
	if err != nil {
		return fmt.Errorf("bank A: %w", err)
	}
	b, err := loadBank(opts.BankB, opts.RecordSize)
	if err != nil {
		return fmt.Errorf("bank B: %w", err)
	}

	data, err := firmware.Pack(firmware.PackSpec{
		Variant:    opts.Variant,
		Major:      v.Major,
		Minor:      v.Minor,
		Compatible: compat,
		BankA:      a,
		BankB:      b,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Output, data, 0o644); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	log.Info("image packed",
		zap.String("file", opts.Output),
		zap.String("hash", store.ShortHash(store.ContentHash(data))),
		zap.Int("size", len(data)))
	fmt.Fprintf(env.out(), "Wrote %s (%s, %s %s)\n", opts.Output, humanizeBytes(int64(len(data))), opts.Variant, v)
	return nil
}

func loadBank(src BankSource, perRecord int) ([]byte, error) {
	if src.File == "" {
		return nil, errors.New("no file given")
	}
	data, err := os.ReadFile(src.File)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if !src.Binary {
		return data, nil
	}
	name := strings.TrimSuffix(filepath.Base(src.File), filepath.Ext(src.File))
	return firmware.FromBinary(data, src.Addr, name, perRecord)
}

// ImageInfo is the JSON form of an inspected image.
type ImageInfo struct {
	File            string   `json:"file"`
	Hash            string   `json:"hash"`
	Size            int      `json:"size"`
	Variant         string   `json:"variant"`
	Version         string   `json:"version"`
	Compatible      []string `json:"compatible"`
	PartitionOffset uint32   `json:"partition_offset"`
	PartitionLength uint32   `json:"partition_length"`
	BankA           BankInfo `json:"bank_a"`
	BankB           BankInfo `json:"bank_b"`
}

// BankInfo summarises one bank's record set.
type BankInfo struct {
	Bytes   int `json:"bytes"`
	Records int `json:"records"`
}

// Inspect checks an image and describes it.
func Inspect(path string) (*ImageInfo, error) {
	img, data, err := firmware.ParseImage(path)
	if err != nil {
		return nil, err
	}
	info := &ImageInfo{
		File:            path,
		Hash:            store.ContentHash(data),
		Size:            img.Size,
		Variant:         img.Variant,
		Version:         fmt.Sprintf("%d.%d", img.Major, img.Minor),
		Compatible:      make([]string, 0, len(img.Compatible)),
		PartitionOffset: img.PartitionOffset,
		PartitionLength: img.PartitionLength,
		BankA:           BankInfo{Bytes: len(img.BankA), Records: img.RecordsA},
		BankB:           BankInfo{Bytes: len(img.BankB), Records: img.RecordsB},
	}
	for _, v := range img.Compatible {
		info.Compatible = append(info.Compatible, v.String())
	}
	return info, nil
}

// PrintImageInfo writes info as text, or as JSON when asJSON is set.
func PrintImageInfo(env Env, info *ImageInfo, asJSON bool) error {
	w := env.out()
	if asJSON {
		return PrintJSON(w, info)
	}
	compat := "any"
	if len(info.Compatible) > 0 {
		compat = strings.Join(info.Compatible, ", ")
	}
	fmt.Fprintf(w, "Image:      %s\n", info.File)
	fmt.Fprintf(w, "Hash:       %s\n", store.ShortHash(info.Hash))
	fmt.Fprintf(w, "Size:       %s\n", humanizeBytes(int64(info.Size)))
	fmt.Fprintf(w, "Variant:    %s\n", info.Variant)
	fmt.Fprintf(w, "Version:    %s\n", info.Version)
	fmt.Fprintf(w, "Compatible: %s\n", compat)
	fmt.Fprintf(w, "Partition:  %d bytes at offset %d\n", info.PartitionLength, info.PartitionOffset)
	fmt.Fprintf(w, "Bank A:     %d records, %s\n", info.BankA.Records, humanizeBytes(int64(info.BankA.Bytes)))
	fmt.Fprintf(w, "Bank B:     %d records, %s\n", info.BankB.Records, humanizeBytes(int64(info.BankB.Bytes)))
	return nil
}
