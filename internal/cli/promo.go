package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/gramvpn/provisioning-service/internal/app"
	"github.com/gramvpn/provisioning-service/internal/models"
	"github.com/gramvpn/provisioning-service/internal/service"
	"github.com/spf13/cobra"
)

func newPromoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promo",
		Short: "Inspect promo codes",
	}

	var plan string
	check := &cobra.Command{
		Use:   "check CODE",
		Short: "Check whether a promo code can be redeemed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				result, err := a.Ledger.Describe(cmd.Context(), args[0], plan)
				if err != nil {
					return err
				}
				return renderPromoValidation(cmd.OutOrStdout(), result)
			})
		},
	}
	check.Flags().StringVar(&plan, "plan", "", "plan to price the code against (30days, 90days, 365days)")
	cmd.AddCommand(check)

	cmd.AddCommand(&cobra.Command{
		Use:   "redeem CODE",
		Short: "Count one manual redemption of a promo code",
		Long:  "Counts one use of a promo code handed out outside the storefront, enforcing the usage cap.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				code := service.NormalizeCode(args[0])
				if err := a.Ledger.RecordUsage(cmd.Context(), code); err != nil {
					return err
				}
				if outputFormat == "json" {
					return printJSON(cmd.OutOrStdout(), map[string]string{"code": code, "status": "redeemed"})
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Recorded one redemption of %s\n", code)
				return err
			})
		},
	})

	return cmd
}

func renderPromoValidation(w io.Writer, v *models.PromoValidation) error {
	if outputFormat == "json" {
		return printJSON(w, v)
	}

	if !v.Valid {
		_, err := fmt.Fprintf(w, "%s: not redeemable (%s)\n", v.Code, v.Reason)
		return err
	}

	t := NewTable("CODE", "DISCOUNT", "VALID FOR", "BASE", "FINAL")
	base, final := "-", "-"
	if v.BasePrice != nil {
		base = strconv.Itoa(*v.BasePrice)
	}
	if v.FinalPrice != nil {
		final = strconv.Itoa(*v.FinalPrice)
	}
	t.AddRow(v.Code, strconv.Itoa(v.DiscountPercent)+"%", v.ValidFor, base, final)
	return t.Render(w)
}
