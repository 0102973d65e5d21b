package directory

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed demo_subjects.yaml
var demoSeed []byte

type seedFile struct {
	Subjects []seedSubject `yaml:"subjects"`
}

type seedSubject struct {
	ID        string       `yaml:"id"`
	Phone     string       `yaml:"phone"`
	Email     string       `yaml:"email"`
	FirstName string       `yaml:"first_name"`
	LastName  string       `yaml:"last_name"`
	DOB       string       `yaml:"dob"`
	Knowledge []seedFactor `yaml:"knowledge"`
}

type seedFactor struct {
	Key      string `yaml:"key"`
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// ParseSeed decodes a YAML seed and derives every knowledge answer. The
// plaintext answers do not outlive this call.
func ParseSeed(data []byte) ([]Subject, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse directory seed: %w", err)
	}
	out := make([]Subject, 0, len(f.Subjects))
	for _, ss := range f.Subjects {
		s := Subject{
			ID:        ss.ID,
			Phone:     ss.Phone,
			Email:     ss.Email,
			FirstName: ss.FirstName,
			LastName:  ss.LastName,
			DOB:       ss.DOB,
		}
		for _, sf := range ss.Knowledge {
			kf, err := NewKnowledgeFactor(sf.Key, sf.Question, sf.Answer)
			if err != nil {
				return nil, fmt.Errorf("subject %s: %w", ss.ID, err)
			}
			s.Knowledge = append(s.Knowledge, kf)
		}
		out = append(out, s)
	}
	return out, nil
}

// LoadSeed reads the seed at path, or the bundled demo subjects when path is
// empty, and upserts every subject into dir.
func LoadSeed(ctx context.Context, dir Directory, path string) (int, error) {
	data := demoSeed
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("read directory seed: %w", err)
		}
		data = raw
	}
	subjects, err := ParseSeed(data)
	if err != nil {
		return 0, err
	}
	for _, s := range subjects {
		if err := dir.Upsert(ctx, s); err != nil {
			return 0, fmt.Errorf("seed subject %s: %w", s.ID, err)
		}
	}
	return len(subjects), nil
}
