package core

import "fmt"

type Environment string

const (
	DevelopmentEnv Environment = "development"
	ProductionEnv  Environment = "production"
)

func ParseEnvironment(s string) (Environment, error) {
	env := Environment(s)
	if !env.IsDevelopment() && !env.IsProduction() {
		return "", fmt.Errorf("unknown environment %q, expected either 'development' or 'production'", s)
	}

	return env, nil
}

func (e Environment) IsProduction() bool {
	return e == ProductionEnv
}

func (e Environment) IsDevelopment() bool {
	return e == DevelopmentEnv
}
