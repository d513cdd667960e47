package voiceprint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record is one enrolled voiceprint with its owner metadata.
type Record struct {
	FeatureID   string    `json:"feature_id"`
	TeacherID   string    `json:"teacher_id"`
	TeacherName string    `json:"teacher_name"`
	Subject     string    `json:"subject"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SID         string    `json:"sid"`
	Code        string    `json:"code"`
	Desc        string    `json:"desc"`
}

// Teacher is the speaker an enrolled feature belongs to.
type Teacher struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Subject       string `json:"subject"`
	FeatureID     string `json:"feature_id,omitempty"`
	HasVoiceprint bool   `json:"has_voiceprint"`
}

// storeFile is the on-disk shape.
type storeFile struct {
	Records  map[string]Record  `json:"records"`  // keyed by feature_id
	Teachers map[string]Teacher `json:"teachers"` // keyed by teacher id
}

// Store keeps voiceprint and teacher metadata in one JSON file. Every
// mutation rewrites the file; reads serve from memory.
type Store struct {
	path string

	mu       sync.Mutex
	records  map[string]Record
	teachers map[string]Teacher
}

// OpenStore loads the store at path, creating an empty one when the file
// does not exist yet.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path:     path,
		records:  make(map[string]Record),
		teachers: make(map[string]Teacher),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read voiceprint store: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("corrupt voiceprint store %s: %w", path, err)
	}
	if f.Records != nil {
		s.records = f.Records
	}
	if f.Teachers != nil {
		s.teachers = f.Teachers
	}
	return s, nil
}

// flush writes the store through a temp file and rename.
func (s *Store) flush() error {
	f := storeFile{Records: s.records, Teachers: s.teachers}
	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// SaveRecord stores or replaces a voiceprint record and syncs the owning
// teacher's voiceprint status.
func (s *Store) SaveRecord(r Record) error {
	if r.FeatureID == "" {
		return fmt.Errorf("record without a feature_id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.records[r.FeatureID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.records[r.FeatureID] = r

	if r.TeacherID != "" {
		t, ok := s.teachers[r.TeacherID]
		if !ok {
			t = Teacher{ID: r.TeacherID, Name: r.TeacherName, Subject: r.Subject}
		}
		t.FeatureID = r.FeatureID
		t.HasVoiceprint = true
		if r.TeacherName != "" {
			t.Name = r.TeacherName
		}
		if r.Subject != "" {
			t.Subject = r.Subject
		}
		s.teachers[r.TeacherID] = t
	}
	return s.flush()
}

// GetRecord looks a record up by feature id.
func (s *Store) GetRecord(featureID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[featureID]
	return r, ok
}

// ListRecords returns all records ordered by creation time.
func (s *Store) ListRecords() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DeleteRecord removes a record and clears the owning teacher's voiceprint
// status.
func (s *Store) DeleteRecord(featureID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[featureID]
	if !ok {
		return nil
	}
	delete(s.records, featureID)

	if t, ok := s.teachers[r.TeacherID]; ok && t.FeatureID == featureID {
		t.FeatureID = ""
		t.HasVoiceprint = false
		s.teachers[r.TeacherID] = t
	}
	return s.flush()
}

// SaveTeacher stores or replaces a teacher entry.
func (s *Store) SaveTeacher(t Teacher) error {
	if t.ID == "" {
		return fmt.Errorf("teacher without an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.HasVoiceprint = t.FeatureID != ""
	s.teachers[t.ID] = t
	return s.flush()
}

// GetTeacher looks a teacher up by id.
func (s *Store) GetTeacher(id string) (Teacher, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.teachers[id]
	return t, ok
}

// ListTeachers returns all teachers ordered by name.
func (s *Store) ListTeachers() []Teacher {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Teacher, 0, len(s.teachers))
	for _, t := range s.teachers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeleteTeacher removes a teacher and cascades to their voiceprint record.
func (s *Store) DeleteTeacher(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.teachers[id]
	if !ok {
		return nil
	}
	delete(s.teachers, id)
	if t.FeatureID != "" {
		delete(s.records, t.FeatureID)
	}
	return s.flush()
}
