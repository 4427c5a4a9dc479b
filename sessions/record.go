package sessions

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Keys the application stores in a session.
const (
	KeyAuthUserId           = "auth_user_id"
	KeyAuthBackend          = "auth_backend"
	KeyLastActivity         = "last_activity"
	KeySessionIP            = "session_ip"
	KeyCurrentExamSessionId = "current_exam_session_id"
	KeyExamStartTime        = "exam_start_time"
	KeyMessages             = "_messages"
)

// Record is the live, per-request view of a session: an identifier plus a
// mutable key/value mapping. Mutations only reach the store on Manager.Save.
type Record struct {
	id        SessionId
	values    map[string]any
	expiresAt time.Time
	modified  bool
	isNew     bool

	// ids this record moved away from, deleted once the record is saved
	replaced []SessionId
}

func newRecord() *Record {
	return &Record{
		id:     newSessionId(),
		values: make(map[string]any),
		isNew:  true,
	}
}

func (r *Record) Id() SessionId { return r.id }

func (r *Record) ExpiresAt() time.Time { return r.expiresAt }

// Modified reports whether the mapping changed since the record was loaded.
func (r *Record) Modified() bool { return r.modified }

// IsNew reports whether the record has never been persisted.
func (r *Record) IsNew() bool { return r.isNew }

func (r *Record) Get(key string) (any, bool) {
	v, ok := r.values[key]
	return v, ok
}

func (r *Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

func (r *Record) Set(key string, value any) {
	r.values[key] = value
	r.modified = true
}

// Delete removes key. Removing an absent key leaves the record unmodified.
func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	r.modified = true
}

func (r *Record) Clear() {
	if len(r.values) == 0 {
		return
	}
	r.values = make(map[string]any)
	r.modified = true
}

func (r *Record) Len() int { return len(r.values) }

func (r *Record) GetString(key string) (string, bool) {
	v, ok := r.values[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt64 reads integral values regardless of whether they were set in this
// request or decoded from storage.
func (r *Record) GetInt64(key string) (int64, bool) {
	v, ok := r.values[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Flash is a one-shot message shown on the next rendered page.
type Flash struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func (r *Record) AddFlash(level, text string) {
	flashes := r.peekFlashes()
	flashes = append(flashes, Flash{Level: level, Text: text})
	r.Set(KeyMessages, flashes)
}

// PopFlashes returns the pending messages and removes them from the session.
func (r *Record) PopFlashes() []Flash {
	flashes := r.peekFlashes()
	r.Delete(KeyMessages)
	return flashes
}

func (r *Record) peekFlashes() []Flash {
	v, ok := r.values[KeyMessages]
	if !ok {
		return nil
	}
	if flashes, ok := v.([]Flash); ok {
		return append([]Flash(nil), flashes...)
	}
	// decoded from storage as generic JSON
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var flashes []Flash
	if err := json.Unmarshal(raw, &flashes); err != nil {
		return nil
	}
	return flashes
}

// EncodeValues serializes a session mapping for storage.
func EncodeValues(values map[string]any) ([]byte, error) {
	if values == nil {
		values = map[string]any{}
	}
	return json.Marshal(values)
}

// DecodeValues is the inverse of EncodeValues. Numbers decode as json.Number
// so integral ids survive the round trip.
func DecodeValues(data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(data) == 0 {
		return values, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}
