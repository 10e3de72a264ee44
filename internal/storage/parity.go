package storage

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/reedsolomon"
	"golang.org/x/crypto/sha3"
)

// Parity sidecars let a damaged audit file be rebuilt. The sidecar holds a
// one-line JSON header followed by the Reed-Solomon parity shards.
const (
	ParityExt           = ".parity"
	DefaultDataShards   = 10
	DefaultParityShards = 3
)

// ErrUnrecoverable means more shards are damaged than parity can rebuild.
var ErrUnrecoverable = errors.New("too many damaged shards to repair")

type parityHeader struct {
	DataShards   int      `json:"data_shards"`
	ParityShards int      `json:"parity_shards"`
	Size         int64    `json:"size"`
	ShardSize    int      `json:"shard_size"`
	Sums         []string `json:"sums"`
}

func shardSum(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// shardData splits data into dataShards + parityShards using Reed-Solomon
// erasure coding. The first dataShards are data, the rest parity.
func shardData(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("splitting data into shards: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encoding parity shards: %w", err)
	}
	return shards, nil
}

// WriteParity writes path+ParityExt for the file at path. Empty files get
// no sidecar and an empty returned path.
func WriteParity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", nil
	}
	// Split may pad in place; keep the caller's bytes out of it.
	shards, err := shardData(bytes.Clone(data), DefaultDataShards, DefaultParityShards)
	if err != nil {
		return "", err
	}

	hdr := parityHeader{
		DataShards:   DefaultDataShards,
		ParityShards: DefaultParityShards,
		Size:         int64(len(data)),
		ShardSize:    len(shards[0]),
	}
	for _, s := range shards {
		hdr.Sums = append(hdr.Sums, shardSum(s))
	}
	line, err := json.Marshal(hdr)
	if err != nil {
		return "", fmt.Errorf("marshal parity header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(line)
	buf.WriteByte('\n')
	for _, s := range shards[DefaultDataShards:] {
		buf.Write(s)
	}
	out := path + ParityExt
	if err := writeReplace(out, buf.Bytes()); err != nil {
		return "", err
	}
	return out, nil
}

// RepairFile checks path against its parity sidecar and rewrites it when
// damaged shards can be rebuilt. It returns how many shards were rebuilt.
func RepairFile(path string) (int, error) {
	hdr, parity, err := readParity(path + ParityExt)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}

	total := hdr.DataShards + hdr.ParityShards
	shards := make([][]byte, total)
	padded := make([]byte, hdr.DataShards*hdr.ShardSize)
	copy(padded, data)
	for i := 0; i < hdr.DataShards; i++ {
		shards[i] = padded[i*hdr.ShardSize : (i+1)*hdr.ShardSize]
	}
	for i := 0; i < hdr.ParityShards; i++ {
		start := i * hdr.ShardSize
		if start+hdr.ShardSize <= len(parity) {
			shards[hdr.DataShards+i] = parity[start : start+hdr.ShardSize]
		}
	}

	damaged := 0
	for i, s := range shards {
		if s == nil || shardSum(s) != hdr.Sums[i] {
			shards[i] = nil
			damaged++
		}
	}
	if damaged == 0 && int64(len(data)) == hdr.Size {
		return 0, nil
	}
	if damaged > hdr.ParityShards {
		return 0, fmt.Errorf("%s: %d damaged shards: %w", path, damaged, ErrUnrecoverable)
	}

	enc, err := reedsolomon.New(hdr.DataShards, hdr.ParityShards)
	if err != nil {
		return 0, fmt.Errorf("creating reed-solomon encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return 0, fmt.Errorf("reconstructing shards: %w", err)
	}
	if ok, err := enc.Verify(shards); err != nil || !ok {
		return 0, fmt.Errorf("%s: shard verification failed after reconstruction: %w", path, ErrUnrecoverable)
	}

	var result []byte
	for i := 0; i < hdr.DataShards; i++ {
		result = append(result, shards[i]...)
	}
	if err := writeReplace(path, result[:hdr.Size]); err != nil {
		return 0, err
	}
	return damaged, nil
}

func readParity(path string) (*parityHeader, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open parity: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, nil, fmt.Errorf("read parity header: %w", err)
	}
	var hdr parityHeader
	if err := json.Unmarshal(line, &hdr); err != nil {
		return nil, nil, fmt.Errorf("parse parity header: %w", err)
	}
	if hdr.DataShards <= 0 || hdr.ParityShards <= 0 || hdr.ShardSize <= 0 ||
		len(hdr.Sums) != hdr.DataShards+hdr.ParityShards ||
		hdr.Size > int64(hdr.DataShards)*int64(hdr.ShardSize) {
		return nil, nil, fmt.Errorf("parity header for %s is inconsistent", path)
	}
	parity, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read parity shards: %w", err)
	}
	return &hdr, parity, nil
}

// writeReplace atomically replaces path with data.
func writeReplace(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return fmt.Errorf("create partial: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("install %s: %w", path, err)
	}
	return nil
}
