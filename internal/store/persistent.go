package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/buxton-project/buxton/internal/model"
	"github.com/buxton-project/buxton/internal/wire"
)

// FileName returns the deterministic filename for a layer's persistent
// store: "<name>.db" for system layers, "user-<uid>.db" for
// user layers.
func FileName(layerName string, scope model.Scope, uid int) string {
	if scope == model.ScopeUser {
		return fmt.Sprintf("user-%d.db", uid)
	}
	return layerName + ".db"
}

// Persistent is the file-backed backend: one file per
// layer, opened with create-if-absent semantics on first use and kept
// open for the daemon's lifetime. The on-disk record is the same
// type/length/bytes triple used for a single wire parameter, so a
// value round-trips through the codec without transformation.
//
// Persistent loads the whole file into memory at Open and rewrites it
// in place (truncate, write every record, sync) on every mutation. This
// keeps the on-disk format a flat sequence of records, at the cost of
// O(n) writes; acceptable for a local configuration store whose key
// count is small. The rewrite is not atomic: a crash mid-write can
// leave a truncated file.
type Persistent struct {
	path    string
	file    *os.File
	entries map[string]model.Entry
	keys    map[string]model.Key
	order   []string
}

// OpenPersistent opens (creating if absent) the backing file at path
// and loads its current contents.
func OpenPersistent(path string) (*Persistent, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory for %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open database file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock database file %s: %w", path, err)
	}

	p := &Persistent{
		path:    path,
		file:    f,
		entries: make(map[string]model.Entry),
		keys:    make(map[string]model.Key),
	}

	if err := p.load(); err != nil {
		f.Close()
		return nil, fmt.Errorf("load database file %s: %w", path, err)
	}

	return p, nil
}

// record layout: [grouplen:u32][group][namelen:u32][name]
// [type:u32][valuelen:u32][value bytes][labellen:u32][label bytes]
func (p *Persistent) load() error {
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	for {
		key, entry, ok, err := readRecord(p.file)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		sk := key.StorageKey()
		if _, exists := p.entries[sk]; !exists {
			p.order = append(p.order, sk)
		}
		p.entries[sk] = entry
		p.keys[sk] = key
	}
}

func readRecord(r io.Reader) (model.Key, model.Entry, bool, error) {
	var group, name string
	var ok bool
	var err error

	if group, ok, err = readLV(r); err != nil || !ok {
		return model.Key{}, model.Entry{}, ok, err
	}
	if name, _, err = readLV(r); err != nil {
		return model.Key{}, model.Entry{}, false, err
	}

	var rawType uint32
	if err := binary.Read(r, binary.LittleEndian, &rawType); err != nil {
		return model.Key{}, model.Entry{}, false, fmt.Errorf("read value type: %w", err)
	}
	valueBytes, _, err := readLV(r)
	if err != nil {
		return model.Key{}, model.Entry{}, false, err
	}
	label, _, err := readLV(r)
	if err != nil {
		return model.Key{}, model.Entry{}, false, err
	}

	value, err := decodeSingleValue(wire.Type(rawType), []byte(valueBytes))
	if err != nil {
		return model.Key{}, model.Entry{}, false, fmt.Errorf("decode stored value: %w", err)
	}

	key := model.Key{Group: group, Name: name, Type: value.Type}
	entry := model.Entry{Value: value, Label: model.Label(label)}
	return key, entry, true, nil
}

// decodeSingleValue decodes one parameter's worth of type+bytes by
// wrapping it in a single-parameter frame and running it through the
// wire codec, so the on-disk format shares exactly one decoder with the
// network path.
func decodeSingleValue(t wire.Type, payload []byte) (wire.Value, error) {
	header := wire.Header{Magic: wire.Magic, Op: wire.OpGet, PayloadLength: uint32(8 + len(payload)), ParamCount: 1}
	body := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(body[0:4], uint32(t))
	binary.LittleEndian.PutUint32(body[4:8], uint32(len(payload)))
	copy(body[8:], payload)

	f, err := wire.Decode(header, body)
	if err != nil {
		return wire.Value{}, err
	}
	return f.Params[0], nil
}

// encodeSingleValue is decodeSingleValue's inverse: it asks the wire
// codec for a single parameter's bytes, without the frame header, for
// writing to the on-disk record.
func encodeSingleValue(v wire.Value) []byte {
	buf, _ := wire.Encode(wire.Frame{Op: wire.OpGet, Params: []wire.Value{v}})
	// Strip the frame header and the parameter's own type/length prefix,
	// keeping only the raw value bytes after them.
	return buf[wire.HeaderSize+8:]
}

func readLV(r io.Reader) (string, bool, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		if err == io.EOF {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read length prefix: %w", err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", false, fmt.Errorf("read %d-byte field: %w", length, err)
	}
	return string(buf), true, nil
}

func writeLV(w io.Writer, s string) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeRecord(w io.Writer, key model.Key, entry model.Entry) error {
	if err := writeLV(w, key.Group); err != nil {
		return err
	}
	if err := writeLV(w, key.Name); err != nil {
		return err
	}

	var typeBuf [4]byte
	binary.LittleEndian.PutUint32(typeBuf[:], uint32(entry.Value.Type))
	if _, err := w.Write(typeBuf[:]); err != nil {
		return err
	}

	if err := writeLV(w, string(encodeSingleValue(entry.Value))); err != nil {
		return err
	}
	return writeLV(w, string(entry.Label))
}

// Set implements Backend.
func (p *Persistent) Set(key model.Key, entry model.Entry) error {
	sk := key.StorageKey()
	if _, exists := p.entries[sk]; !exists {
		p.order = append(p.order, sk)
	}
	p.entries[sk] = entry
	p.keys[sk] = key
	return p.flush()
}

// Get implements Backend.
func (p *Persistent) Get(key model.Key) (model.Entry, error) {
	e, ok := p.entries[key.StorageKey()]
	if !ok {
		return model.Entry{}, fmt.Errorf("get %s: %w", key.StorageKey(), ErrNotFound)
	}
	return e, nil
}

// Unset implements Backend.
func (p *Persistent) Unset(key model.Key) error {
	sk := key.StorageKey()
	if _, ok := p.entries[sk]; !ok {
		return fmt.Errorf("unset %s: %w", sk, ErrNotFound)
	}
	delete(p.entries, sk)
	delete(p.keys, sk)
	p.order = removeString(p.order, sk)
	return p.flush()
}

// List implements Backend.
func (p *Persistent) List() ([]model.Key, error) {
	keys := make([]model.Key, 0, len(p.order))
	for _, sk := range p.order {
		keys = append(keys, p.keys[sk])
	}
	return keys, nil
}

// Close implements Backend.
func (p *Persistent) Close() error {
	if err := unix.Flock(int(p.file.Fd()), unix.LOCK_UN); err != nil {
		p.file.Close()
		return fmt.Errorf("unlock database file %s: %w", p.path, err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("close database file %s: %w", p.path, err)
	}
	return nil
}

// flush rewrites the entire backing file from the in-memory index in
// place: truncate, seek to start, write every record, sync. The file
// stays open throughout so the exclusive flock taken in OpenPersistent
// is held for the database's entire lifetime rather than reacquired
// per write.
func (p *Persistent) flush() error {
	if err := p.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate database file %s: %w", p.path, err)
	}
	if _, err := p.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek database file %s: %w", p.path, err)
	}

	for _, sk := range p.order {
		if err := writeRecord(p.file, p.keys[sk], p.entries[sk]); err != nil {
			return fmt.Errorf("write record %s: %w", sk, err)
		}
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("sync database file %s: %w", p.path, err)
	}
	return nil
}

var _ Backend = (*Persistent)(nil)
