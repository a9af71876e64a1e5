package vectorindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// FAISS IndexFlat fourcc tags as they appear on disk.
const (
	fourccFlatIP = "IxFI"
	fourccFlatL2 = "IxF2"
)

// FAISS metric_type values.
const (
	faissMetricInnerProduct int32 = 0
	faissMetricL2           int32 = 1
)

// faissDummy is the placeholder FAISS writes twice after ntotal.
const faissDummy int64 = 1 << 20

// faissHeaderLen is the byte length of an IndexFlat header up to and
// including the vector block size.
const faissHeaderLen = 45

// readChunk bounds how many floats are decoded per read, so a header that
// overstates the block size costs no more memory than the data present.
const readChunk = 1 << 16

// ReadFAISS decodes a FAISS IndexFlatIP or IndexFlatL2 file.
//
// Layout (little endian): fourcc[4], d int32, ntotal int64, dummy int64,
// dummy int64, is_trained uint8, metric_type int32, [metric_arg float32 when
// metric_type > 1], codes length uint64 counted in float32 values, then the
// vectors as float32.
func ReadFAISS(r io.Reader) (dim int, metric Metric, vectors []float32, err error) {
	return readFAISS(r, -1)
}

// readFAISS is ReadFAISS with the total byte length of r when known
// (fileSize >= 0). A header promising more vectors than the file holds is
// rejected before any vector is read.
func readFAISS(r io.Reader, fileSize int64) (dim int, metric Metric, vectors []float32, err error) {
	br := bufio.NewReader(r)

	var tag [4]byte
	if _, err := io.ReadFull(br, tag[:]); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read index header: %w", err)
	}
	switch string(tag[:]) {
	case fourccFlatIP:
		metric = InnerProduct
	case fourccFlatL2:
		metric = L2
	default:
		return 0, 0, nil, fmt.Errorf("unsupported index type %q, expected %s or %s", tag[:], fourccFlatIP, fourccFlatL2)
	}

	var header struct {
		D         int32
		NTotal    int64
		Dummy1    int64
		Dummy2    int64
		IsTrained uint8
		Metric    int32
	}
	if err := binary.Read(br, binary.LittleEndian, &header); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read index header: %w", err)
	}
	if header.D < 0 || header.NTotal < 0 {
		return 0, 0, nil, fmt.Errorf("corrupt index header: d=%d ntotal=%d", header.D, header.NTotal)
	}
	if header.Metric > faissMetricL2 {
		var metricArg float32
		if err := binary.Read(br, binary.LittleEndian, &metricArg); err != nil {
			return 0, 0, nil, fmt.Errorf("failed to read metric argument: %w", err)
		}
		return 0, 0, nil, fmt.Errorf("unsupported metric type %d", header.Metric)
	}

	var size uint64
	if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
		return 0, 0, nil, fmt.Errorf("failed to read vector block size: %w", err)
	}
	want := uint64(header.D) * uint64(header.NTotal)
	if size != want {
		return 0, 0, nil, fmt.Errorf("corrupt index: vector block holds %d floats, header implies %d", size, want)
	}
	if size > math.MaxInt32 {
		return 0, 0, nil, fmt.Errorf("index too large: %d floats", size)
	}
	if fileSize >= 0 && faissHeaderLen+int64(size)*4 > fileSize {
		return 0, 0, nil, fmt.Errorf("corrupt index: header promises %d floats but the file holds %d bytes", size, fileSize)
	}

	vectors = make([]float32, 0, min(size, readChunk))
	chunk := make([]float32, min(size, readChunk))
	for remaining := size; remaining > 0; {
		n := min(remaining, uint64(len(chunk)))
		if err := binary.Read(br, binary.LittleEndian, chunk[:n]); err != nil {
			return 0, 0, nil, fmt.Errorf("failed to read vectors: %w", err)
		}
		vectors = append(vectors, chunk[:n]...)
		remaining -= n
	}

	return int(header.D), metric, vectors, nil
}

// WriteFAISS encodes x as a FAISS IndexFlat file readable by faiss.read_index.
func WriteFAISS(w io.Writer, x *Index) error {
	bw := bufio.NewWriter(w)

	tag := fourccFlatIP
	metricType := faissMetricInnerProduct
	if x.metric == L2 {
		tag = fourccFlatL2
		metricType = faissMetricL2
	}
	if _, err := bw.WriteString(tag); err != nil {
		return fmt.Errorf("failed to write index header: %w", err)
	}

	header := struct {
		D         int32
		NTotal    int64
		Dummy1    int64
		Dummy2    int64
		IsTrained uint8
		Metric    int32
		Size      uint64
	}{
		D:         int32(x.dim),
		NTotal:    int64(x.Len()),
		Dummy1:    faissDummy,
		Dummy2:    faissDummy,
		IsTrained: 1,
		Metric:    metricType,
		Size:      uint64(len(x.vectors)),
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write index header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, x.vectors); err != nil {
		return fmt.Errorf("failed to write vectors: %w", err)
	}
	return bw.Flush()
}
