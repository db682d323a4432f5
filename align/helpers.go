package align

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/urbackup-go/blockalign/rollhash"
)

func writeAvg(w io.Writer, avg uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], avg)
	if _, err := w.Write(b[:]); err != nil {
		return errors.Wrap(err, "write avg")
	}
	return nil
}

func rollingCRC(data []byte) uint32 {
	return rollhash.RollingCRC32C(data)
}

func putLE32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func putLE64(b []byte, v int64)  { binary.LittleEndian.PutUint64(b, uint64(v)) }
