package permissions

import "os"

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

func workingDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}

func lookupEnv(name string) (string, bool) {
	return os.LookupEnv(name)
}
