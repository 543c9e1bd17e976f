package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

const (
	// FormatVersionLegacy marks an untagged JSON record.
	FormatVersionLegacy uint8 = 0
	// FormatVersionCurrent is written by EncodePrincipal.
	FormatVersionCurrent uint8 = 1
)

const maxRecordSize = 16 << 10

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{MaxMapPairs: 64}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}
}

// principalRecord is the on-disk shape. Integer keys keep records small and
// decouple storage from the Go field names.
type principalRecord struct {
	ID           string `cbor:"1,keyasint"`
	Name         string `cbor:"2,keyasint"`
	Email        string `cbor:"3,keyasint"`
	Phone        string `cbor:"4,keyasint,omitempty"`
	AvatarURL    string `cbor:"5,keyasint,omitempty"`
	CompanyID    string `cbor:"6,keyasint,omitempty"`
	DepartmentID string `cbor:"7,keyasint,omitempty"`
	SystemRole   string `cbor:"8,keyasint,omitempty"`
	CompanyRole  string `cbor:"9,keyasint,omitempty"`
}

// EncodePrincipal serializes p in the current format.
func EncodePrincipal(p *Principal) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil principal")
	}

	payload, err := encMode.Marshal(principalRecord{
		ID:           p.ID,
		Name:         p.Name,
		Email:        p.Email,
		Phone:        p.Phone,
		AvatarURL:    p.AvatarURL,
		CompanyID:    p.CompanyID,
		DepartmentID: p.DepartmentID,
		SystemRole:   p.SystemRole,
		CompanyRole:  p.CompanyRole,
	})
	if err != nil {
		return nil, err
	}
	if len(payload)+1 > maxRecordSize {
		return nil, errors.New("principal record too large")
	}

	out := make([]byte, 0, len(payload)+1)
	out = append(out, FormatVersionCurrent)
	return append(out, payload...), nil
}

// DecodePrincipal parses a stored record and reports the format version it
// was written in. Legacy JSON records report FormatVersionLegacy.
func DecodePrincipal(data []byte) (*Principal, uint8, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty principal record")
	}
	if len(data) > maxRecordSize {
		return nil, 0, errors.New("principal record too large")
	}

	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		var p Principal
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return nil, 0, fmt.Errorf("decode legacy principal: %w", err)
		}
		return &p, FormatVersionLegacy, nil
	}

	if data[0] != FormatVersionCurrent {
		return nil, 0, fmt.Errorf("unsupported principal format version %d", data[0])
	}

	var rec principalRecord
	if err := decMode.Unmarshal(data[1:], &rec); err != nil {
		return nil, 0, fmt.Errorf("decode principal: %w", err)
	}

	return &Principal{
		ID:           rec.ID,
		Name:         rec.Name,
		Email:        rec.Email,
		Phone:        rec.Phone,
		AvatarURL:    rec.AvatarURL,
		CompanyID:    rec.CompanyID,
		DepartmentID: rec.DepartmentID,
		SystemRole:   rec.SystemRole,
		CompanyRole:  rec.CompanyRole,
	}, FormatVersionCurrent, nil
}
