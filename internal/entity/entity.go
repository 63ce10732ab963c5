// Package entity defines the typed records the engine moves between
// systems. Every record exposes a flat map of normalized string fields;
// fingerprints and diffs are computed over that map, never over raw
// source payloads.
package entity

// Type is the closed set of entity types the engine knows.
type Type string

const (
	TypeEmployee   Type = "employee"
	TypeVehicle    Type = "vehicle"
	TypeDepartment Type = "department"
	TypeJob        Type = "job"
	TypeTitle      Type = "title"
	TypeAssetType  Type = "asset_type"
	TypeRole       Type = "role"
	TypeSite       Type = "site"
)

// DependencyOrder is the fixed processing order within a session:
// referenced types sync before the types that reference them.
var DependencyOrder = []Type{
	TypeSite,
	TypeDepartment,
	TypeTitle,
	TypeRole,
	TypeAssetType,
	TypeEmployee,
	TypeVehicle,
	TypeJob,
}

// Valid reports whether t is a known entity type.
func (t Type) Valid() bool {
	for _, k := range DependencyOrder {
		if k == t {
			return true
		}
	}
	return false
}

// Record is the uniform view the validator, fingerprint, and diff logic
// operate on. Implementations are concrete structs; field access goes
// through explicit switches, not reflection.
type Record interface {
	EntityType() Type
	EntityID() string
	Fields() map[string]string
	SetField(name, value string)
}

// Employee is a person synced from the ERP and directory into the target.
type Employee struct {
	ID         string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
	Title      string
	Department string
	Site       string
}

func (e *Employee) EntityType() Type { return TypeEmployee }
func (e *Employee) EntityID() string { return e.ID }

func (e *Employee) Fields() map[string]string {
	return map[string]string{
		"first_name": e.FirstName,
		"last_name":  e.LastName,
		"email":      e.Email,
		"phone":      e.Phone,
		"title":      e.Title,
		"department": e.Department,
		"site":       e.Site,
	}
}

func (e *Employee) SetField(name, value string) {
	switch name {
	case "first_name":
		e.FirstName = value
	case "last_name":
		e.LastName = value
	case "email":
		e.Email = value
	case "phone":
		e.Phone = value
	case "title":
		e.Title = value
	case "department":
		e.Department = value
	case "site":
		e.Site = value
	}
}

// Vehicle comes from the fleet provider.
type Vehicle struct {
	ID           string
	Name         string
	VIN          string
	LicensePlate string
	Site         string
	AssetType    string
}

func (v *Vehicle) EntityType() Type { return TypeVehicle }
func (v *Vehicle) EntityID() string { return v.ID }

func (v *Vehicle) Fields() map[string]string {
	return map[string]string{
		"name":          v.Name,
		"vin":           v.VIN,
		"license_plate": v.LicensePlate,
		"site":          v.Site,
		"asset_type":    v.AssetType,
	}
}

func (v *Vehicle) SetField(name, value string) {
	switch name {
	case "name":
		v.Name = value
	case "vin":
		v.VIN = value
	case "license_plate":
		v.LicensePlate = value
	case "site":
		v.Site = value
	case "asset_type":
		v.AssetType = value
	}
}

// named is the shape shared by the pure lookup types.
type named struct {
	ID   string
	Name string
}

func (n *named) EntityID() string { return n.ID }

func (n *named) Fields() map[string]string {
	return map[string]string{"name": n.Name}
}

func (n *named) SetField(name, value string) {
	if name == "name" {
		n.Name = value
	}
}

// Department, Title, AssetType, and Role are simple named lookups.
type Department struct{ named }
type Title struct{ named }
type AssetType struct{ named }
type Role struct{ named }

func NewDepartment(id, name string) *Department { return &Department{named{ID: id, Name: name}} }
func NewTitle(id, name string) *Title           { return &Title{named{ID: id, Name: name}} }
func NewAssetType(id, name string) *AssetType   { return &AssetType{named{ID: id, Name: name}} }
func NewRole(id, name string) *Role             { return &Role{named{ID: id, Name: name}} }

func (d *Department) EntityType() Type { return TypeDepartment }
func (t *Title) EntityType() Type      { return TypeTitle }
func (a *AssetType) EntityType() Type  { return TypeAssetType }
func (r *Role) EntityType() Type       { return TypeRole }

// Site is a physical location; other entities reference it by id.
type Site struct {
	ID      string
	Name    string
	Address string
}

func (s *Site) EntityType() Type { return TypeSite }
func (s *Site) EntityID() string { return s.ID }

func (s *Site) Fields() map[string]string {
	return map[string]string{"name": s.Name, "address": s.Address}
}

func (s *Site) SetField(name, value string) {
	switch name {
	case "name":
		s.Name = value
	case "address":
		s.Address = value
	}
}

// Job is a work order tying employees, vehicles, and sites together.
type Job struct {
	ID     string
	Name   string
	Site   string
	Status string
}

func (j *Job) EntityType() Type { return TypeJob }
func (j *Job) EntityID() string { return j.ID }

func (j *Job) Fields() map[string]string {
	return map[string]string{"name": j.Name, "site": j.Site, "status": j.Status}
}

func (j *Job) SetField(name, value string) {
	switch name {
	case "name":
		j.Name = value
	case "site":
		j.Site = value
	case "status":
		j.Status = value
	}
}
