package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// readRecord reads one frame. A frame cut short by a crash is reported
// as errTornRecord so callers can tell it apart from corruption.
func readRecord(r io.Reader) (*Record, int64, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])

	data := make([]byte, int(l)+trailerSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, errTornRecord
		}
		return nil, 0, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])

	h := make([]byte, 0, headerSize+int(l))
	h = append(append(h, header[:]...), payload...)
	if !CRC32Valid(h, crc) {
		return nil, 0, errors.Wrapf(ErrChecksum, "record seq %d", seq)
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, int64(headerSize + int(l) + trailerSize), nil
}

type segmentInfo struct {
	maxSeq  uint64
	records int
	// valid is the length of the intact prefix of the file.
	valid int64
	torn  bool
}

// scanSegment walks a segment and reports its highest sequence and the
// byte length of its intact prefix.
func scanSegment(path string) (segmentInfo, error) {
	var info segmentInfo
	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, n, err := readRecord(r)
		switch {
		case err == io.EOF:
			return info, nil
		case errors.Is(err, errTornRecord):
			info.torn = true
			return info, nil
		case err != nil:
			return info, err
		}
		if info.records == 0 || rec.Seq > info.maxSeq {
			info.maxSeq = rec.Seq
		}
		info.records++
		info.valid += n
	}
}
