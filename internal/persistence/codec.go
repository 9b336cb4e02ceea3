package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// RegisterType makes a concrete type usable as a step input, output or
// payload in persisted snapshots. It wraps gob.Register.
func RegisterType(v any) {
	gob.Register(v)
}

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	// Encode as interface{} so we can safely decode into interface{}.
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a payload produced by EncodeValue into T.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return zero, err
	}
	v, ok := iv.(T)
	if !ok {
		return zero, fmt.Errorf("gob: decoded value of type %T not assignable to %T", iv, zero)
	}
	return v, nil
}

type snapshotRecord struct {
	RunID       string
	GraphID     string
	Fingerprint string
	Status      string
	Input       any

	Steps     []stepRecord
	Suspended []suspendRecord

	Result any
	Error  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type stepRecord struct {
	Key       string
	Status    string
	Output    any
	ErrMsg    string
	Payload   any
	StartedAt time.Time
	EndedAt   time.Time
}

type suspendRecord struct {
	StepID     string
	EntryIndex int
	Payload    any
}

// EncodeSnapshot serializes a snapshot with encoding/gob. Step errors are
// kept as their message only.
func EncodeSnapshot(snap *api.RunSnapshot) ([]byte, error) {
	rec := snapshotRecord{
		RunID:       snap.RunID,
		GraphID:     snap.GraphID,
		Fingerprint: snap.Fingerprint,
		Status:      string(snap.Status),
		Input:       snap.Input,
		Result:      snap.Result,
		Error:       snap.Error,
		CreatedAt:   snap.CreatedAt,
		UpdatedAt:   snap.UpdatedAt,
	}

	for _, key := range orderedKeys(snap) {
		r := snap.Steps[key]
		sr := stepRecord{
			Key:       key,
			Status:    string(r.Status),
			Output:    r.Output,
			Payload:   r.Payload,
			StartedAt: r.StartedAt,
			EndedAt:   r.EndedAt,
		}
		if r.Err != nil {
			sr.ErrMsg = r.Err.Error()
		}
		rec.Steps = append(rec.Steps, sr)
	}
	for _, s := range snap.Suspended {
		rec.Suspended = append(rec.Suspended, suspendRecord{
			StepID:     s.StepID,
			EntryIndex: s.EntryIndex,
			Payload:    s.Payload,
		})
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		return nil, fmt.Errorf("encode run %s: %w", snap.RunID, err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot is the inverse of EncodeSnapshot.
func DecodeSnapshot(data []byte) (*api.RunSnapshot, error) {
	if len(data) == 0 {
		return nil, ErrRunNotFound
	}
	var rec snapshotRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}

	snap := &api.RunSnapshot{
		RunID:       rec.RunID,
		GraphID:     rec.GraphID,
		Fingerprint: rec.Fingerprint,
		Status:      api.RunStatus(rec.Status),
		Input:       rec.Input,
		Steps:       make(map[string]api.StepResult, len(rec.Steps)),
		StepOrder:   make([]string, 0, len(rec.Steps)),
		Result:      rec.Result,
		Error:       rec.Error,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	for _, sr := range rec.Steps {
		r := api.StepResult{
			Status:    api.StepStatus(sr.Status),
			Output:    sr.Output,
			Payload:   sr.Payload,
			StartedAt: sr.StartedAt,
			EndedAt:   sr.EndedAt,
		}
		if sr.ErrMsg != "" {
			r.Err = errors.New(sr.ErrMsg)
		}
		snap.Steps[sr.Key] = r
		snap.StepOrder = append(snap.StepOrder, sr.Key)
	}
	for _, s := range rec.Suspended {
		snap.Suspended = append(snap.Suspended, api.SuspendInfo{
			StepID:     s.StepID,
			EntryIndex: s.EntryIndex,
			Payload:    s.Payload,
		})
	}
	return snap, nil
}

// orderedKeys returns StepOrder followed by any keys it does not mention.
func orderedKeys(snap *api.RunSnapshot) []string {
	seen := make(map[string]struct{}, len(snap.Steps))
	out := make([]string, 0, len(snap.Steps))
	for _, k := range snap.StepOrder {
		if _, ok := snap.Steps[k]; !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	for k := range snap.Steps {
		if _, ok := seen[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}
