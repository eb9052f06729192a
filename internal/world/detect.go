package world

import "strconv"

// Detect chooses a backend from the environment: a Coordinated world when a
// coordinator URL is present, an Env world when launcher variables are
// present, and a Singleton otherwise. A nil getenv reads the process
// environment.
func Detect(getenv func(string) string) Runtime {
	if getenv == nil {
		getenv = defaultGetenv
	}
	if url := getenv(CoordinatorEnv); url != "" {
		requested := -1
		if r, err := strconv.Atoi(getenv(RankEnv)); err == nil {
			requested = r
		}
		return NewCoordinated(url, requested, getenv)
	}
	if _, ok := lookupLaunchEnv(getenv); ok {
		return NewEnv(getenv)
	}
	return NewSingleton(getenv)
}
