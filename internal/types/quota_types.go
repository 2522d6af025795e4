package types

import "time"

// Quota holds a user's allowances and current consumption
type Quota struct {
	UserID            string    `json:"user_id"`
	AllowedInput      int64     `json:"allowed_input"`
	UsedInput         int64     `json:"used_input"`
	AllowedProcessing int64     `json:"allowed_processing"`
	UsedProcessing    int64     `json:"used_processing"`
	AllowedCPU        int       `json:"allowed_cpu"`
	AllowedMemory     int64     `json:"allowed_memory"`
	UpdatedAt         time.Time `json:"updated_at"`
}
