package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage SSH keys in the encrypted credential store",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate KEY_ID",
	Short: "Generate an ed25519 key and print its public key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		pass, err := readNewPassphrase()
		if err != nil {
			return err
		}
		line, err := e.SSH.GenerateKey(args[0], pass)
		if err != nil {
			return describe(err)
		}
		fmt.Println(line)
		return nil
	},
}

var keysImportCmd = &cobra.Command{
	Use:   "import KEY_ID FILE",
	Short: "Import an OpenSSH or PEM private key",
	Long: `Import a private key file. An encrypted key is unlocked with the
passphrase, which also seals the key in the credential store.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		line, err := e.SSH.ImportKey(args[0], data, pass)
		if err != nil {
			return describe(err)
		}
		fmt.Println(line)
		return nil
	},
}

var keysShowCmd = &cobra.Command{
	Use:   "show KEY_ID",
	Short: "Print the public key of a stored key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		pass, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}
		line, err := e.SSH.PublicKey(args[0], pass)
		if err != nil {
			return describe(err)
		}
		fmt.Println(line)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored key ids",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		for _, id := range e.Credentials.Keys() {
			fmt.Println(id)
		}
		return nil
	},
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete KEY_ID",
	Short: "Remove a stored key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()
		return e.Credentials.Delete(args[0])
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd, keysImportCmd, keysShowCmd, keysListCmd, keysDeleteCmd)
	rootCmd.AddCommand(keysCmd)
}
