package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bloombridge/cmd/internal/passphrase"
	"bloombridge/crypto"
	"bloombridge/native/peg"
)

const keystorePassEnv = "BRIDGE_KEYSTORE_PASS"

func main() {
	args := os.Args[1:]
	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	switch command {
	case "keygen":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a keystore path and a key name.")
			printUsage()
			return
		}
		keygen(args[1], args[2])
	case "rotate-key":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a keystore path and a key name.")
			printUsage()
			return
		}
		rotateKey(args[1], args[2])
	case "show-address":
		if len(args) < 3 {
			fmt.Println("Error: Please provide a keystore path and a key name.")
			printUsage()
			return
		}
		showAddress(args[1], args[2])
	case "peg":
		fmt.Println(peg.AssertPeg())
		fmt.Printf("1 BLOOM = %d sats, 1 BTC = %d sats\n", peg.SatsPerBloom, peg.SatsPerBTC)
	case "quote":
		if len(args) < 2 {
			fmt.Println("Error: Please provide a BLOOM amount.")
			printUsage()
			return
		}
		quote(args[1])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func keygen(path, name string) {
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		fatal(err)
	}
	ks, err := crypto.OpenKeystore(path)
	if err != nil {
		fatal(err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fatal(err)
	}
	if err := ks.SaveKey(name, hex.EncodeToString(key.Bytes()), pass); err != nil {
		fatal(err)
	}
	fmt.Printf("Saved key %q to %s\n", name, path)
	fmt.Printf("Account address: %s\n", key.PubKey().Address().String())
	fmt.Printf("Bitcoin pubkey: %s\n", hex.EncodeToString(key.BitcoinPubKey().SerializeCompressed()))
}

func rotateKey(path, name string) {
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		fatal(err)
	}
	ks, err := crypto.OpenKeystore(path)
	if err != nil {
		fatal(err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fatal(err)
	}
	if err := ks.Rotate(name, hex.EncodeToString(key.Bytes()), pass); err != nil {
		fatal(err)
	}
	fmt.Printf("Rotated key %q; previous entry revoked\n", name)
	fmt.Printf("New account address: %s\n", key.PubKey().Address().String())
}

func showAddress(path, name string) {
	pass, err := passphrase.NewSource(keystorePassEnv).Get()
	if err != nil {
		fatal(err)
	}
	ks, err := crypto.OpenKeystore(path)
	if err != nil {
		fatal(err)
	}
	plaintext, err := ks.LoadKey(name, pass)
	if err != nil {
		fatal(err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(plaintext))
	if err != nil {
		fatal(fmt.Errorf("malformed key material"))
	}
	key, err := crypto.PrivateKeyFromBytes(raw)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Account address: %s\n", key.PubKey().Address().String())
	fmt.Printf("Bitcoin pubkey: %s\n", hex.EncodeToString(key.BitcoinPubKey().SerializeCompressed()))
}

func quote(amountArg string) {
	amount, err := strconv.ParseInt(amountArg, 10, 64)
	if err != nil {
		fatal(fmt.Errorf("invalid amount %q", amountArg))
	}
	sats, err := peg.BloomToSats(amount)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%d BLOOM = %d sats (%.8f BTC)\n", amount, sats, float64(sats)/float64(peg.SatsPerBTC))
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`Usage: bridge-cli <command> [args]

Commands:
  keygen <keystore> <name>        Generate and store a new operator key
  rotate-key <keystore> <name>    Rotate the named key; the old entry is revoked
  show-address <keystore> <name>  Print the addresses for a stored key
  peg                             Print the peg statement
  quote <bloom>                   Convert a BLOOM amount to sats

The keystore passphrase is read from ` + keystorePassEnv + ` or prompted.`)
}
