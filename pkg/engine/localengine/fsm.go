package localengine

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/raft"
)

// writeCmd is the single log-entry kind a device FSM applies: data at a
// logical offset.
type writeCmd struct {
	Offset uint64
	Data   []byte
}

func encodeWriteCmd(cmd writeCmd) []byte {
	buf := make([]byte, 8+len(cmd.Data))
	binary.LittleEndian.PutUint64(buf, cmd.Offset)
	copy(buf[8:], cmd.Data)
	return buf
}

func decodeWriteCmd(buf []byte) (writeCmd, error) {
	if len(buf) < 8 {
		return writeCmd{}, fmt.Errorf("short write command (%d bytes)", len(buf))
	}
	return writeCmd{
		Offset: binary.LittleEndian.Uint64(buf),
		Data:   buf[8:],
	}, nil
}

// deviceFSM applies committed writes to the device's backing file.
type deviceFSM struct {
	mu   sync.Mutex
	file *os.File
}

func newDeviceFSM(path string) (*deviceFSM, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open device file: %w", err)
	}
	return &deviceFSM{file: f}, nil
}

// Apply applies a committed log entry to the backing file.
func (f *deviceFSM) Apply(entry *raft.Log) interface{} {
	cmd, err := decodeWriteCmd(entry.Data)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.WriteAt(cmd.Data, int64(cmd.Offset)); err != nil {
		return fmt.Errorf("apply write at %d: %w", cmd.Offset, err)
	}
	return nil
}

func (f *deviceFSM) readAt(off uint64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, length)
	n, err := f.file.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (f *deviceFSM) size() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, err := f.file.Stat()
	if err != nil {
		return 0
	}
	return uint64(st.Size())
}

func (f *deviceFSM) close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// Snapshot captures the backing file's current contents.
func (f *deviceFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f.file)
	if err != nil {
		return nil, err
	}
	return &deviceSnapshot{data: data}, nil
}

// Restore replaces the backing file's contents from a snapshot.
func (f *deviceFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.file.Truncate(0); err != nil {
		return err
	}
	if _, err := f.file.WriteAt(data, 0); err != nil {
		return err
	}
	return nil
}

// deviceSnapshot is a point-in-time copy of the device contents.
type deviceSnapshot struct {
	data []byte
}

// Persist writes the snapshot to the given SnapshotSink.
func (s *deviceSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if _, err := sink.Write(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release releases the snapshot resources
func (s *deviceSnapshot) Release() {}
