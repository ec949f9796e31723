package schema

import "fmt"

// ContractDTO is the serialized form of a Contract used by the checkpoint layer.
// It is a plain data carrier: round-tripping through it preserves field order,
// mode, and the locked flag, so the restored contract hashes identically.
type ContractDTO struct {
	Mode   string     `json:"mode" yaml:"mode"`
	Locked bool       `json:"locked" yaml:"locked"`
	Fields []FieldDTO `json:"fields" yaml:"fields"`
}

// FieldDTO is the serialized form of a FieldContract.
type FieldDTO struct {
	NormalizedName string `json:"normalized_name" yaml:"normalized_name"`
	OriginalName   string `json:"original_name" yaml:"original_name"`
	ValueType      string `json:"value_type" yaml:"value_type"`
	Required       bool   `json:"required" yaml:"required"`
	Source         string `json:"source" yaml:"source"`
}

// ToDTO exports the contract for serialization.
func (c *Contract) ToDTO() ContractDTO {
	dto := ContractDTO{Mode: string(c.mode), Locked: c.locked}
	for _, f := range c.fields {
		dto.Fields = append(dto.Fields, FieldDTO{
			NormalizedName: f.NormalizedName,
			OriginalName:   f.OriginalName,
			ValueType:      string(f.ValueType),
			Required:       f.Required,
			Source:         string(f.Source),
		})
	}
	return dto
}

// FromDTO rebuilds a contract from its serialized form.
func FromDTO(dto ContractDTO) (*Contract, error) {
	switch Mode(dto.Mode) {
	case ModeFixed, ModeFlexible, ModeDynamic:
	default:
		return nil, fmt.Errorf("unknown contract mode %q", dto.Mode)
	}
	fields := make([]FieldContract, 0, len(dto.Fields))
	for _, f := range dto.Fields {
		fields = append(fields, FieldContract{
			NormalizedName: f.NormalizedName,
			OriginalName:   f.OriginalName,
			ValueType:      FieldType(f.ValueType),
			Required:       f.Required,
			Source:         FieldSource(f.Source),
		})
	}
	c := &Contract{mode: Mode(dto.Mode), fields: fields, locked: dto.Locked}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}
