package bootforge

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/dsnet/compress/bzip2"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// update_engine full payload container: "CrAU" magic, big-endian framing,
// then a protobuf DeltaArchiveManifest followed by its signature and the
// operation data blobs.
const payloadMagic = "CrAU"

func badPayload(format string, args ...interface{}) error {
	return errors.Errorf("invalid payload: "+format, args...)
}

// InstallOperation types handled by full payloads.
const (
	payloadOpReplace   = 0
	payloadOpReplaceBz = 1
	payloadOpZero      = 6
	payloadOpDiscard   = 7
	payloadOpReplaceXz = 8
)

type payloadExtent struct {
	startBlock uint64
	numBlocks  uint64
}

type payloadOp struct {
	typ        uint64
	dataOffset uint64
	dataLength uint64
	dstExtents []payloadExtent
}

type payloadPartition struct {
	name string
	ops  []payloadOp
}

type payloadManifest struct {
	blockSize    uint32
	minorVersion uint64
	partitions   []payloadPartition
}

// The manifest is decoded field-by-field with protowire rather than generated
// bindings; only the handful of DeltaArchiveManifest fields a full-payload
// extraction needs are interpreted, everything else is skipped.
func parsePayloadManifest(buf []byte) (*payloadManifest, error) {
	m := &payloadManifest{blockSize: 4096}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "manifest tag")
		}
		buf = buf[n:]
		switch {
		case num == 3 && typ == protowire.VarintType: // block_size
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "block_size")
			}
			m.blockSize = uint32(v)
			buf = buf[n:]
		case num == 12 && typ == protowire.VarintType: // minor_version
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "minor_version")
			}
			m.minorVersion = v
			buf = buf[n:]
		case num == 13 && typ == protowire.BytesType: // partitions
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "partitions")
			}
			part, err := parsePayloadPartition(v)
			if err != nil {
				return nil, err
			}
			m.partitions = append(m.partitions, part)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "manifest field")
			}
			buf = buf[n:]
		}
	}
	return m, nil
}

func parsePayloadPartition(buf []byte) (payloadPartition, error) {
	var p payloadPartition
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return p, errors.Wrap(protowire.ParseError(n), "partition tag")
		}
		buf = buf[n:]
		switch {
		case num == 1 && typ == protowire.BytesType: // partition_name
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "partition_name")
			}
			p.name = string(v)
			buf = buf[n:]
		case num == 8 && typ == protowire.BytesType: // operations
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "operations")
			}
			op, err := parsePayloadOp(v)
			if err != nil {
				return p, err
			}
			p.ops = append(p.ops, op)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return p, errors.Wrap(protowire.ParseError(n), "partition field")
			}
			buf = buf[n:]
		}
	}
	return p, nil
}

func parsePayloadOp(buf []byte) (payloadOp, error) {
	var op payloadOp
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return op, errors.Wrap(protowire.ParseError(n), "operation tag")
		}
		buf = buf[n:]
		switch {
		case num == 1 && typ == protowire.VarintType: // type
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.Wrap(protowire.ParseError(n), "operation type")
			}
			op.typ = v
			buf = buf[n:]
		case num == 2 && typ == protowire.VarintType: // data_offset
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.Wrap(protowire.ParseError(n), "data_offset")
			}
			op.dataOffset = v
			buf = buf[n:]
		case num == 3 && typ == protowire.VarintType: // data_length
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return op, errors.Wrap(protowire.ParseError(n), "data_length")
			}
			op.dataLength = v
			buf = buf[n:]
		case num == 6 && typ == protowire.BytesType: // dst_extents
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return op, errors.Wrap(protowire.ParseError(n), "dst_extents")
			}
			ext, err := parsePayloadExtent(v)
			if err != nil {
				return op, err
			}
			op.dstExtents = append(op.dstExtents, ext)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return op, errors.Wrap(protowire.ParseError(n), "operation field")
			}
			buf = buf[n:]
		}
	}
	return op, nil
}

func parsePayloadExtent(buf []byte) (payloadExtent, error) {
	var e payloadExtent
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return e, errors.Wrap(protowire.ParseError(n), "extent tag")
		}
		buf = buf[n:]
		v, vn := protowire.ConsumeVarint(buf)
		switch {
		case num == 1 && typ == protowire.VarintType:
			if vn < 0 {
				return e, errors.Wrap(protowire.ParseError(vn), "start_block")
			}
			e.startBlock = v
			buf = buf[vn:]
		case num == 2 && typ == protowire.VarintType:
			if vn < 0 {
				return e, errors.Wrap(protowire.ParseError(vn), "num_blocks")
			}
			e.numBlocks = v
			buf = buf[vn:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return e, errors.Wrap(protowire.ParseError(n), "extent field")
			}
			buf = buf[n:]
		}
	}
	return e, nil
}

// ExtractBootFromPayload pulls one partition image out of a full
// update_engine payload file. An empty partition name means init_boot when
// present, boot otherwise. The output image is written with the same
// temp-and-rename discipline as the builder.
func ExtractBootFromPayload(inPath, partitionName, outPath string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	in, err := os.Open(inPath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", inPath)
	}
	defer in.Close()

	magic := make([]byte, len(payloadMagic))
	if _, err := io.ReadFull(in, magic); err != nil {
		return badPayload("reading magic: %v", err)
	}
	if !bytes.Equal(magic, []byte(payloadMagic)) {
		return badPayload("magic %q, want %q", magic, payloadMagic)
	}

	var version, manifestLen uint64
	var manifestSigLen uint32
	if err := binary.Read(in, binary.BigEndian, &version); err != nil {
		return badPayload("reading version: %v", err)
	}
	if version != 2 {
		return badPayload("unsupported version %d", version)
	}
	if err := binary.Read(in, binary.BigEndian, &manifestLen); err != nil {
		return badPayload("reading manifest length: %v", err)
	}
	if manifestLen == 0 {
		return badPayload("manifest length is zero")
	}
	if err := binary.Read(in, binary.BigEndian, &manifestSigLen); err != nil {
		return badPayload("reading manifest signature length: %v", err)
	}
	if manifestSigLen == 0 {
		return badPayload("manifest signature length is zero")
	}

	rawManifest := make([]byte, manifestLen)
	if _, err := io.ReadFull(in, rawManifest); err != nil {
		return badPayload("reading manifest: %v", err)
	}
	manifest, err := parsePayloadManifest(rawManifest)
	if err != nil {
		return err
	}
	if manifest.minorVersion != 0 {
		return badPayload("delta payloads are not supported, use a full payload")
	}

	var partition *payloadPartition
	if partitionName == "" {
		for _, name := range []string{"init_boot", "boot"} {
			for i := range manifest.partitions {
				if manifest.partitions[i].name == name {
					partition = &manifest.partitions[i]
					break
				}
			}
			if partition != nil {
				break
			}
		}
		if partition == nil {
			return badPayload("no boot partition found")
		}
	} else {
		for i := range manifest.partitions {
			if manifest.partitions[i].name == partitionName {
				partition = &manifest.partitions[i]
				break
			}
		}
		if partition == nil {
			return badPayload("partition %q not found", partitionName)
		}
	}

	logger.Info("extracting partition from payload",
		zap.String("payload", inPath),
		zap.String("partition", partition.name),
		zap.Uint32("block_size", manifest.blockSize))

	// operation data begins after the manifest and its signature
	dataBase := int64(len(payloadMagic)) + 8 + 8 + 4 + int64(manifestLen) + int64(manifestSigLen)
	blockSize := uint64(manifest.blockSize)

	ops := append([]payloadOp(nil), partition.ops...)
	sort.Slice(ops, func(i, j int) bool { return ops[i].dataOffset < ops[j].dataOffset })

	var total int64
	for _, op := range ops {
		total += int64(op.dataLength)
	}
	bar := progressbar.DefaultBytes(total, "extracting "+partition.name)

	out, err := os.Create(outPath + ".tmp")
	if err != nil {
		return errors.Wrapf(err, "creating %s", outPath+".tmp")
	}
	defer os.Remove(outPath + ".tmp")
	defer out.Close()

	for _, op := range ops {
		if len(op.dstExtents) == 0 {
			return badPayload("operation without destination extents")
		}

		switch op.typ {
		case payloadOpZero, payloadOpDiscard:
			for _, ext := range op.dstExtents {
				if _, err := out.Seek(int64(ext.startBlock*blockSize), io.SeekStart); err != nil {
					return errors.Wrap(err, "seeking output")
				}
				if _, err := out.Write(make([]byte, ext.numBlocks*blockSize)); err != nil {
					return errors.Wrap(err, "zeroing output")
				}
			}
			continue
		}

		if op.dataLength == 0 {
			return badPayload("replace operation with zero data length")
		}
		if _, err := in.Seek(dataBase+int64(op.dataOffset), io.SeekStart); err != nil {
			return errors.Wrap(err, "seeking payload data")
		}
		buf := make([]byte, op.dataLength)
		if _, err := io.ReadFull(in, buf); err != nil {
			return badPayload("reading %d operation bytes: %v", op.dataLength, err)
		}
		if _, err := out.Seek(int64(op.dstExtents[0].startBlock*blockSize), io.SeekStart); err != nil {
			return errors.Wrap(err, "seeking output")
		}

		switch op.typ {
		case payloadOpReplace:
			if _, err := out.Write(buf); err != nil {
				return errors.Wrap(err, "writing output")
			}
		case payloadOpReplaceBz:
			br, err := bzip2.NewReader(bytes.NewReader(buf), nil)
			if err != nil {
				return badPayload("bad bzip2 operation: %v", err)
			}
			if _, err := io.Copy(out, br); err != nil {
				return badPayload("decompressing bzip2 operation: %v", err)
			}
			br.Close()
		case payloadOpReplaceXz:
			xr, err := xz.NewReader(bytes.NewReader(buf))
			if err != nil {
				return badPayload("bad xz operation: %v", err)
			}
			if _, err := io.Copy(out, xr); err != nil {
				return badPayload("decompressing xz operation: %v", err)
			}
		default:
			return badPayload("unsupported operation type %d", op.typ)
		}
		bar.Add64(int64(op.dataLength)) //nolint:errcheck
	}

	if err := syncFile(out); err != nil {
		return errors.Wrapf(err, "syncing %s", outPath+".tmp")
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", outPath+".tmp")
	}
	if err := os.Rename(outPath+".tmp", outPath); err != nil {
		return errors.Wrapf(err, "renaming to %s", outPath)
	}
	return nil
}
