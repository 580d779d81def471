package main

import (
	"fmt"
	"net/url"
	"os"

	"golang.org/x/term"
)

// secureWipe overwrites the slice with zeros
func secureWipe(data []byte) {
	if data == nil {
		return
	}
	for i := range data {
		data[i] = 0
	}
}

// destinationPassword picks the destination password from configuration, then the
// URL userinfo, then an interactive prompt when stdin is a terminal. With none of
// those the password is empty, which FTP servers treat as anonymous access.
func destinationPassword(u *url.URL, configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	if pass, ok := u.User.Password(); ok {
		password := make([]byte, len(pass))
		copy(password, pass)
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, nil
	}
	return askPassword(fd, fmt.Sprintf("Password for %s://%s@%s: ", u.Scheme, u.User.Username(), u.Host))
}

// askPassword reads a password from the terminal without echoing it
func askPassword(fd int, prompt string) ([]byte, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}
