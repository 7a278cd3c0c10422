package models

import "time"

// HostStatus is the operational state of a host. Only online hosts take
// new servers.
type HostStatus string

const (
	HostOnline      HostStatus = "online"
	HostOffline     HostStatus = "offline"
	HostMaintenance HostStatus = "maintenance"
)

func (s HostStatus) Valid() bool {
	switch s {
	case HostOnline, HostOffline, HostMaintenance:
		return true
	}
	return false
}

// Resources is a CPU/memory/disk triple. CPU is in millicores, memory in MB
// and disk in GB. It is used both for host totals and server limits.
type Resources struct {
	CPU    int `json:"cpu" yaml:"cpu" gorm:"column:cpu;not null;default:0" validate:"gte=0"`
	Memory int `json:"memory" yaml:"memory" gorm:"column:memory;not null;default:0" validate:"gte=0"`
	Disk   int `json:"disk" yaml:"disk" gorm:"column:disk;not null;default:0" validate:"gte=0"`
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory, Disk: r.Disk + o.Disk}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory, Disk: r.Disk - o.Disk}
}

// Covers reports whether every dimension of r is at least o.
func (r Resources) Covers(o Resources) bool {
	return r.CPU >= o.CPU && r.Memory >= o.Memory && r.Disk >= o.Disk
}

// Host is a physical or virtual machine running the host daemon.
//
// DaemonURL addresses the daemon: an http(s) URL for the HTTP transport or a
// docker endpoint (unix:// or tcp://) for the Docker transport.
type Host struct {
	ID            string     `json:"id" gorm:"primaryKey"`
	Name          string     `json:"name" gorm:"not null"`
	Address       string     `json:"address" gorm:"not null"`
	DaemonURL     string     `json:"daemonUrl" gorm:"column:daemon_url"`
	DaemonToken   string     `json:"-" gorm:"column:daemon_token"`
	Datacenter    string     `json:"datacenter,omitempty" gorm:"index"`
	Capacity      Resources  `json:"capacity" gorm:"embedded;embeddedPrefix:total_"`
	Status        HostStatus `json:"status" gorm:"not null;index;default:offline"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}
