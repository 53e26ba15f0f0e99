package model

import "time"

// SSHHost is a shared deploy target. It is referenced by coordination
// servers, subnet routers, exit nodes and extramural local peers via
// set-null foreign keys, so removing a referer never deletes the host.
type SSHHost struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Host      string    `json:"host" db:"host"`
	Port      int       `json:"port" db:"port"`
	User      string    `json:"user" db:"user"`
	KeyPath   string    `json:"key_path,omitempty" db:"key_path"`
	ConfigDir string    `json:"config_dir" db:"config_dir"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
