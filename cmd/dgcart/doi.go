package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ligustah/dgcart/internal/doi"
)

func newDOICmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doi",
		Short: "Check whether the cart can be published with a DOI",
	}
	cmd.AddCommand(newDOIMintableCmd(a), newDOICheckUserCmd(a))
	return cmd
}

func newDOIMintableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mintable",
		Short: "Ask the DOI minter whether the current cart can be minted",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := a.doiClient()
			if err != nil {
				return err
			}
			items, err := a.cartStore().Fetch(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return usagef("cart is empty, nothing to mint")
			}

			ok, err := d.CartMintable(ctx, items)
			if err != nil {
				return err
			}
			if ok {
				a.logf("Cart of %d items can be minted", len(items))
			}
			return nil
		},
	}
}

func newDOICheckUserCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check-user <username>",
		Short: "Look up a user to add as a DOI creator",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.doiClient()
			if err != nil {
				return err
			}
			u, err := d.CheckUser(cmd.Context(), args[0])
			var fe *doi.FieldError
			if errors.As(err, &fe) {
				fmt.Fprintf(a.errOut, "%s: %s\n", fe.Field, fe.Message)
			}
			if err != nil {
				return err
			}
			name := u.FullName
			if name == "" {
				name = u.Name
			}
			fmt.Fprintf(a.out, "%d\t%s\t%s\n", u.ID, u.Name, name)
			return nil
		},
	}
}
