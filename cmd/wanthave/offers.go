package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var offersJSON bool

func init() {
	offersCmd.Flags().BoolVar(&offersJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(offersCmd)
}

var offersCmd = &cobra.Command{
	Use:   "offers <conversation-id>",
	Short: "List offers in a conversation, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, err := parseID(args[0], "conversation id")
		if err != nil {
			return err
		}
		client, _ := getClient()
		ctx, cancel := requestContext()
		defer cancel()

		offers, err := client.Offers.List(ctx, convID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if offersJSON {
			return printJSON(offers)
		}
		if len(offers) == 0 {
			fmt.Println("No offers.")
			return nil
		}
		for _, o := range offers {
			fmt.Println(formatOffer(o))
		}
		return nil
	},
}
