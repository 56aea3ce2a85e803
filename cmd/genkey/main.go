package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
)

// genkey creates an Ed25519 keypair for a messaging user. With -out and -id
// it writes credentials in the layout the Go client loads (user.json and
// private.key); otherwise it prints both keys.
func main() {
	outDir := flag.String("out", "", "Config directory to write credentials into")
	userID := flag.String("id", "", "User UUID to record in user.json (required with -out)")
	flag.Parse()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}

	pubB64 := base64.StdEncoding.EncodeToString(pub)
	seedB64 := base64.StdEncoding.EncodeToString(priv.Seed())

	if *outDir == "" {
		fmt.Printf("Public key (base64):  %s\n", pubB64)
		fmt.Printf("Private key (base64): %s\n", seedB64)
		return
	}

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-id is required with -out")
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0700); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	config := map[string]string{"id": *userID, "public_key": pubB64}
	data, _ := json.MarshalIndent(config, "", "  ")
	if err := os.WriteFile(filepath.Join(*outDir, "user.json"), data, 0600); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := os.WriteFile(filepath.Join(*outDir, "private.key"), []byte(seedB64), 0600); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	fmt.Printf("Credentials written to %s\n", *outDir)
	fmt.Printf("Public key (base64): %s\n", pubB64)
}
