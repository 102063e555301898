package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-go-golems/sensei/pkg/identity"
)

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the stable anonymous user id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := a.openBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			ident, err := identity.NewManager(backend)
			if err != nil {
				return err
			}
			user, err := ident.CurrentUser(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(user.ID)
			return nil
		},
	}
}
