package types

import "time"

// ProductStatus is the transfer status of a remote product
type ProductStatus string

// Product status constants
const (
	ProductQueried     ProductStatus = "QUERIED"
	ProductDownloading ProductStatus = "DOWNLOADING"
	ProductDownloaded  ProductStatus = "DOWNLOADED"
	ProductFailed      ProductStatus = "FAILED"
)

// Product is a remote unit of satellite data, fetched once and shared by every referencing user
type Product struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	ApproxSize      int64         `json:"approx_size"`
	AcquisitionDate time.Time     `json:"acquisition_date"`
	Footprint       string        `json:"footprint,omitempty"`
	Status          ProductStatus `json:"status"`
	References      []string      `json:"references"`
	ClaimedBy       string        `json:"claimed_by,omitempty"` // user whose task performs the transfer while Downloading
	LocalPath       string        `json:"local_path,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// HasReference reports whether user is in the reference set
func (p *Product) HasReference(user string) bool {
	for _, ref := range p.References {
		if ref == user {
			return true
		}
	}
	return false
}

// AddReference adds user to the reference set, returning false if already present
func (p *Product) AddReference(user string) bool {
	if p.HasReference(user) {
		return false
	}
	p.References = append(p.References, user)
	return true
}

// RemoveReference drops user from the reference set, returning false if absent
func (p *Product) RemoveReference(user string) bool {
	for i, ref := range p.References {
		if ref == user {
			p.References = append(p.References[:i:i], p.References[i+1:]...)
			return true
		}
	}
	return false
}

// AdmissionDecision is the outcome of a download admission
type AdmissionDecision string

// Admission decisions
const (
	AdmitAllow  AdmissionDecision = "ALLOW"  // caller performs the transfer
	AdmitSkip   AdmissionDecision = "SKIP"   // another transfer is in flight or done
	AdmitReject AdmissionDecision = "REJECT" // quota exceeded
)
