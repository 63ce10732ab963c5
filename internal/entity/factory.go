package entity

import "fmt"

// NewRecord returns an empty record of the given type. Used by adapters
// when decoding wire payloads into typed records.
func NewRecord(t Type, id string) (Record, error) {
	switch t {
	case TypeEmployee:
		return &Employee{ID: id}, nil
	case TypeVehicle:
		return &Vehicle{ID: id}, nil
	case TypeDepartment:
		return NewDepartment(id, ""), nil
	case TypeJob:
		return &Job{ID: id}, nil
	case TypeTitle:
		return NewTitle(id, ""), nil
	case TypeAssetType:
		return NewAssetType(id, ""), nil
	case TypeRole:
		return NewRole(id, ""), nil
	case TypeSite:
		return &Site{ID: id}, nil
	default:
		return nil, fmt.Errorf("unknown entity type %q", t)
	}
}
