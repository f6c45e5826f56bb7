// Package env defines the fixed set of isolated environments every table and
// change-request operation is scoped to. Each environment maps to its own
// Postgres schema; requests never move between environments.
package env

import "fmt"

type Environment string

const (
	Dev   Environment = "dev"
	Test  Environment = "test"
	Stage Environment = "stage"
	Prod  Environment = "prod"
)

// All returns every known environment in deployment order.
func All() []Environment {
	return []Environment{Dev, Test, Stage, Prod}
}

func (e Environment) String() string { return string(e) }

// Parse validates a raw environment name.
func Parse(raw string) (Environment, error) {
	switch Environment(raw) {
	case Dev, Test, Stage, Prod:
		return Environment(raw), nil
	default:
		return "", fmt.Errorf("unknown environment %q", raw)
	}
}
