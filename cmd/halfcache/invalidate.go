package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

func newInvalidateCmd(opts *options) *cobra.Command {
	var all bool
	var keys []string
	cmd := &cobra.Command{
		Use:   "invalidate [path...]",
		Short: "Remove stored pages from the cache",
		RunE: func(cmd *cobra.Command, paths []string) error {
			if !all && len(paths) == 0 && len(keys) == 0 {
				return errors.New("specify paths, --key or --all")
			}
			c, _, err := newCache(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if all {
				if err := c.InvalidateAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Invalidated all pages")
				return nil
			}
			var errs []error
			for _, key := range keys {
				errs = append(errs, c.Invalidate(cmd.Context(), key))
			}
			for _, path := range paths {
				// paths may be given as they appear in URLs
				if unescaped, err := url.PathUnescape(path); err == nil {
					path = unescaped
				}
				errs = append(errs, c.InvalidatePath(cmd.Context(), path))
			}
			if err := errors.Join(errs...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Invalidated %d paths and %d keys\n", len(paths), len(keys))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Invalidate every page of the site")
	cmd.Flags().StringSliceVarP(&keys, "key", "k", nil, "Invalidate an exact cache key")
	return cmd
}
