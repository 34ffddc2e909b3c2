package backup

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"
)

// FormatVersion is written into every backup file.
const FormatVersion = 1

// Native Redis value types stored in a backup.
const (
	TypeString = "string"
	TypeHash   = "hash"
	TypeList   = "list"
	TypeSet    = "set"
	TypeZSet   = "zset"
)

const encodingBase64 = "base64"

// File is the on-disk backup document.
type File struct {
	Version   int               `json:"version"`
	CreatedAt string            `json:"createdAt"`
	Prefix    string            `json:"prefix"`
	Entries   map[string]Record `json:"entries"`
}

// Record is one key's type-tagged value. Value holds a JSON string for
// strings, an object for hashes, an array of strings for lists and sets and
// an array of {member, score} for sorted sets. When Encoding is "base64"
// every string inside Value is base64 encoded, which keeps binary values
// intact. TTLMs is the remaining TTL at backup time, zero for no expiry.
type Record struct {
	Type     string          `json:"type"`
	Encoding string          `json:"encoding,omitempty"`
	Value    json.RawMessage `json:"value"`
	TTLMs    int64           `json:"ttlMs,omitempty"`
}

// ZMember is a sorted-set member and its score. Infinite scores are
// written as the strings "+inf" and "-inf" since JSON numbers cannot hold them.
type ZMember struct {
	Member string  `json:"member"`
	Score  float64 `json:"score"`
}

type zmemberJSON struct {
	Member string          `json:"member"`
	Score  json.RawMessage `json:"score"`
}

var errNaNScore = errors.New("score is NaN")

// MarshalJSON implements json.Marshaler.
func (m ZMember) MarshalJSON() ([]byte, error) {
	var score []byte
	switch {
	case math.IsNaN(m.Score):
		return nil, errNaNScore
	case math.IsInf(m.Score, 1):
		score = []byte(`"+inf"`)
	case math.IsInf(m.Score, -1):
		score = []byte(`"-inf"`)
	default:
		score = strconv.AppendFloat(nil, m.Score, 'g', -1, 64)
	}
	return json.Marshal(zmemberJSON{Member: m.Member, Score: score})
}

// UnmarshalJSON implements json.Unmarshaler. Scores are accepted as JSON
// numbers or as strings Redis itself accepts ("inf", "+inf", "-inf", "1.5").
func (m *ZMember) UnmarshalJSON(data []byte) error {
	var raw zmemberJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var score float64
	switch {
	case len(raw.Score) == 0 || string(raw.Score) == "null":
	case raw.Score[0] == '"':
		var s string
		if err := json.Unmarshal(raw.Score, &s); err != nil {
			return err
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("score %q: %w", s, err)
		}
		score = f
	default:
		if err := json.Unmarshal(raw.Score, &score); err != nil {
			return err
		}
	}
	if math.IsNaN(score) {
		return errNaNScore
	}

	m.Member = raw.Member
	m.Score = score
	return nil
}

// value is the decoded form of a Record.
type value struct {
	str  string
	hash map[string]string
	list []string
	zset []ZMember
}

func encodeRecord(typ string, v value, ttlMs int64) (Record, error) {
	binary := !v.utf8()
	enc := func(s string) string {
		if binary {
			return base64.StdEncoding.EncodeToString([]byte(s))
		}
		return s
	}

	var payload interface{}
	switch typ {
	case TypeString:
		payload = enc(v.str)
	case TypeHash:
		h := make(map[string]string, len(v.hash))
		for f, val := range v.hash {
			h[enc(f)] = enc(val)
		}
		payload = h
	case TypeList, TypeSet:
		l := make([]string, len(v.list))
		for i, s := range v.list {
			l[i] = enc(s)
		}
		if typ == TypeSet {
			sort.Strings(l)
		}
		payload = l
	case TypeZSet:
		z := make([]ZMember, len(v.zset))
		for i, m := range v.zset {
			z[i] = ZMember{Member: enc(m.Member), Score: m.Score}
		}
		payload = z
	default:
		return Record{}, fmt.Errorf("unsupported type %q", typ)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Type: typ, Value: raw, TTLMs: ttlMs}
	if binary {
		rec.Encoding = encodingBase64
	}
	return rec, nil
}

func (r Record) decode() (value, error) {
	var dec func(string) (string, error)
	switch r.Encoding {
	case "":
		dec = func(s string) (string, error) { return s, nil }
	case encodingBase64:
		dec = func(s string) (string, error) {
			b, err := base64.StdEncoding.DecodeString(s)
			return string(b), err
		}
	default:
		return value{}, fmt.Errorf("unknown encoding %q", r.Encoding)
	}
	if r.TTLMs < 0 {
		return value{}, fmt.Errorf("negative ttl %d", r.TTLMs)
	}

	var v value
	var err error
	switch r.Type {
	case TypeString:
		var s string
		if err = json.Unmarshal(r.Value, &s); err == nil {
			v.str, err = dec(s)
		}
	case TypeHash:
		var h map[string]string
		if err = json.Unmarshal(r.Value, &h); err == nil {
			v.hash = make(map[string]string, len(h))
			for f, val := range h {
				var df, dv string
				if df, err = dec(f); err != nil {
					break
				}
				if dv, err = dec(val); err != nil {
					break
				}
				v.hash[df] = dv
			}
		}
	case TypeList, TypeSet:
		var l []string
		if err = json.Unmarshal(r.Value, &l); err == nil {
			v.list = make([]string, len(l))
			for i, s := range l {
				if v.list[i], err = dec(s); err != nil {
					break
				}
			}
		}
	case TypeZSet:
		var z []ZMember
		if err = json.Unmarshal(r.Value, &z); err == nil {
			v.zset = make([]ZMember, len(z))
			for i, m := range z {
				if v.zset[i].Member, err = dec(m.Member); err != nil {
					break
				}
				v.zset[i].Score = m.Score
			}
		}
	default:
		return value{}, fmt.Errorf("unsupported type %q", r.Type)
	}
	if err != nil {
		return value{}, fmt.Errorf("%s value: %w", r.Type, err)
	}
	return v, nil
}

func (v value) utf8() bool {
	if !utf8.ValidString(v.str) {
		return false
	}
	for f, val := range v.hash {
		if !utf8.ValidString(f) || !utf8.ValidString(val) {
			return false
		}
	}
	for _, s := range v.list {
		if !utf8.ValidString(s) {
			return false
		}
	}
	for _, m := range v.zset {
		if !utf8.ValidString(m.Member) {
			return false
		}
	}
	return true
}
