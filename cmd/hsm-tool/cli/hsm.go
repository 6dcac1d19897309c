package cli

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/x/fileutil"
	"github.com/effective-security/x/guid"
	"github.com/effective-security/xhsm/cryptoprov"
	"github.com/effective-security/xhsm/keyutil"
	xctl "github.com/effective-security/xhsm/x/ctl"
)

// HsmCmd is the parent for HSM command
type HsmCmd struct {
	Slots    HsmSlotsCmd    `cmd:"" help:"list slots"`
	List     HsmLsKeyCmd    `cmd:"" help:"list keys"`
	Info     HsmKeyInfoCmd  `cmd:"" help:"print key information"`
	Generate HsmGenKeyCmd   `cmd:"" help:"generate key"`
	Remove   HsmRmKeyCmd    `cmd:"" help:"delete key"`
	Sign     HsmSignCmd     `cmd:"" help:"sign data with a key"`
	Verify   HsmVerifyCmd   `cmd:"" help:"verify a signature on the token"`
	Wrap     HsmWrapCmd     `cmd:"" help:"generate and wrap a secret key"`
	Unwrap   HsmUnwrapCmd   `cmd:"" help:"unwrap a secret key onto the token"`
	Selftest HsmSelfTestCmd `cmd:"" help:"run the demo sequence against the token"`
}

// HsmSlotsCmd prints slots with tokens
type HsmSlotsCmd struct {
}

// Run the command
func (a *HsmSlotsCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	keyProv, ok := defprov.(cryptoprov.KeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	tokens, err := keyProv.EnumTokens(false)
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	out := ctx.Writer()
	for _, token := range tokens {
		fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
		printIfNotEmpty(out, "Manufacturer", token.Manufacturer)
		printIfNotEmpty(out, "Model", token.Model)
		printIfNotEmpty(out, "Description", token.Description)
		printIfNotEmpty(out, "Token serial", token.Serial)
		printIfNotEmpty(out, "Token label", token.Label)
	}
	return nil
}

// HsmLsKeyCmd prints Keys
type HsmLsKeyCmd struct {
	Token  string `help:"specifies slot token (optional)"`
	Serial string `help:"specifies slot serial (optional)"`
	Prefix string `help:"specifies key label prefix (optional)"`
}

// Run the command
func (a *HsmLsKeyCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	keyProv, ok := defprov.(cryptoprov.KeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	isDefaultSlot := a.Serial == "" && a.Token == ""
	filterSerial := a.Serial
	if filterSerial == "" {
		filterSerial = "--@--"
	}
	filterLabel := a.Token
	if filterLabel == "" {
		filterLabel = "--@--"
	}

	out := ctx.Writer()

	tokens, err := keyProv.EnumTokens(isDefaultSlot)
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	for _, token := range tokens {
		if isDefaultSlot || token.Serial == filterSerial || token.Label == filterLabel {
			fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
			printIfNotEmpty(out, "Manufacturer", token.Manufacturer)
			printIfNotEmpty(out, "Model", token.Model)
			printIfNotEmpty(out, "Description", token.Description)
			printIfNotEmpty(out, "Token serial", token.Serial)
			printIfNotEmpty(out, "Token label", token.Label)

			keys, err := keyProv.EnumKeys(token.SlotID, a.Prefix)
			if err != nil {
				return errors.WithMessagef(err, "failed to list keys on slot %d", token.SlotID)
			}
			if a.Prefix != "" && len(keys) == 0 {
				fmt.Fprintf(out, "no keys found with prefix: %s\n", a.Prefix)
			}
			for i, key := range keys {
				fmt.Fprintf(out, "[%d]\n", i)
				fmt.Fprintf(out, "  Id:    %s\n", key.ID)
				printIfNotEmpty(out, "Label", key.Label)
				printIfNotEmpty(out, "Type", key.Type)
				printIfNotEmpty(out, "Class", key.Class)
				printIfNotEmpty(out, "Version", key.CurrentVersionID)
				if key.CreationTime != nil {
					fmt.Fprintf(out, "  Created: %s\n", key.CreationTime.Format(time.RFC3339))
				}
				for k, v := range key.Meta {
					fmt.Fprintf(out, "  %s: %s\n", k, v)
				}
			}
		}
	}
	return nil
}

// HsmKeyInfoCmd prints the key info
type HsmKeyInfoCmd struct {
	ID     string `kong:"arg" required:"" help:"key ID"`
	Token  string `help:"slot token (optional)"`
	Serial string `help:"slot serial (optional)"`
	Public bool   `help:"print Public Key"`
}

// Run the command
func (a *HsmKeyInfoCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	keyProv, ok := defprov.(cryptoprov.KeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	filterSerial := a.Serial
	isDefaultSlot := filterSerial == ""

	if isDefaultSlot {
		filterSerial = "--@--"
	}

	out := ctx.Writer()

	tokens, err := keyProv.EnumTokens(isDefaultSlot)
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	for _, token := range tokens {
		if isDefaultSlot || token.Serial == filterSerial {
			fmt.Fprintf(out, "Slot: %d\n", token.SlotID)
			fmt.Fprintf(out, "  Description:  %s\n", token.Description)
			fmt.Fprintf(out, "  Token serial: %s\n", token.Serial)

			key, err := keyProv.KeyInfo(token.SlotID, a.ID, a.Public)
			if err != nil {
				return errors.WithMessagef(err, "failed to get key on slot %d", token.SlotID)
			}
			fmt.Fprintf(out, "  Id:    %s\n", key.ID)
			printIfNotEmpty(out, "Label", key.Label)
			printIfNotEmpty(out, "Type", key.Type)
			printIfNotEmpty(out, "Class", key.Class)
			printIfNotEmpty(out, "Version", key.CurrentVersionID)
			if key.CreationTime != nil {
				fmt.Fprintf(out, "  Created: %s\n", key.CreationTime.Format(time.RFC3339))
			}
			for k, v := range key.Meta {
				fmt.Fprintf(out, "  %s: %s\n", k, v)
			}
			if key.PublicKey != "" {
				if pub, err := keyutil.ParsePublicKeyPEM([]byte(key.PublicKey)); err == nil {
					if ki, err := keyutil.NewKeyInfo(pub); err == nil {
						fmt.Fprintf(out, "  Algo:  %s %d\n", ki.Type, ki.KeySize)
					}
				}
				fmt.Fprintf(out, "  Public key: \n%s\n", key.PublicKey)
			}
		}
	}

	return nil
}

// HsmGenKeyCmd generates key
type HsmGenKeyCmd struct {
	Algo    string `required:"" help:"algorithm: RSA|ECDSA"`
	Size    int    `required:"" help:"key size in bits"`
	Purpose string `required:"" help:"purpose of the key: SIGN|ENCRYPT"`
	Label   string `required:"" help:"name for generated key"`
	Output  string `help:"location to write the key, if not set, the output will be printed to STDOUT only"`
	Force   bool   `help:"force to override key file if exists"`
}

// Run the command
func (a *HsmGenKeyCmd) Run(ctx *Cli) error {
	if !a.Force && a.Output != "" && fileutil.FileExists(a.Output) == nil {
		return errors.Errorf("%q file exists, specify --force flag to override", a.Output)
	}

	_, defprov := ctx.CryptoProv()

	purpose := cryptoprov.Signing
	switch strings.ToLower(a.Purpose) {
	case "s", "sign", "signing":
		purpose = cryptoprov.Signing
	case "e", "encrypt", "encryption":
		purpose = cryptoprov.Encryption
	default:
		return errors.Errorf("unsupported purpose: %q", a.Purpose)
	}

	var prv crypto.PrivateKey
	var err error
	switch strings.ToUpper(a.Algo) {
	case "RSA":
		prv, err = defprov.GenerateRSAKey(prefixKeyLabel(a.Label), a.Size, purpose)
	case "ECDSA":
		var curve elliptic.Curve
		switch a.Size {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		case 521:
			curve = elliptic.P521()
		default:
			return errors.Errorf("unsupported ECDSA key size: %d", a.Size)
		}
		prv, err = defprov.GenerateECDSAKey(prefixKeyLabel(a.Label), curve)
	default:
		return errors.Errorf("unsupported algorithm: %q", a.Algo)
	}
	if err != nil {
		return errors.WithStack(err)
	}

	keyID, _, err := defprov.IdentifyKey(prv)
	if err != nil {
		return errors.WithStack(err)
	}

	uri, key, err := defprov.ExportKey(keyID)
	if err != nil {
		return errors.WithStack(err)
	}

	if key == nil {
		key = []byte(uri)
	}

	if a.Output == "" {
		xctl.WriteCert(ctx.Writer(), key, nil, nil)
	} else {
		err = os.WriteFile(a.Output, key, 0600)
		if err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// HsmRmKeyCmd deletes key
type HsmRmKeyCmd struct {
	ID     string `kong:"arg" required:"" help:"specifies key ID"`
	Token  string `help:"specifies slot token (optional)"`
	Serial string `help:"specifies slot serial (optional)"`
}

// Run the command
func (a *HsmRmKeyCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	keyProv, ok := defprov.(cryptoprov.KeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	filterSerial := a.Serial
	isDefaultSlot := a.Serial == ""

	if isDefaultSlot {
		filterSerial = "--@--"
	}

	tokens, err := keyProv.EnumTokens(isDefaultSlot)
	if err != nil {
		return errors.WithMessagef(err, "failed to list tokens")
	}

	for _, token := range tokens {
		if isDefaultSlot || token.Serial == filterSerial {
			err := keyProv.DestroyKeyPairOnSlot(token.SlotID, a.ID)
			if err != nil {
				return errors.WithMessagef(err, "unable to destroy key %q on slot %d", a.ID, token.SlotID)
			}
			fmt.Fprintf(ctx.Writer(), "destroyed key: %s\n", a.ID)
			return nil
		}
	}

	return nil
}

// HsmSignCmd signs data with a key on the token
type HsmSignCmd struct {
	Key string `required:"" help:"key ID"`
	In  string `required:"" help:"file with data to sign, or - for stdin"`
	Out string `help:"location to write the signature in hex, if not set, the output will be printed to STDOUT"`
}

// Run the command
func (a *HsmSignCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()

	data, err := ctx.ReadFile(a.In)
	if err != nil {
		return errors.WithStack(err)
	}

	prv, err := defprov.GetKey(a.Key)
	if err != nil {
		return errors.WithStack(err)
	}
	signer, ok := prv.(crypto.Signer)
	if !ok {
		return errors.Errorf("loaded key of %T type does not support crypto.Signer", prv)
	}

	digest := sha256.Sum256(data)
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return errors.WithMessage(err, "failed to sign")
	}

	hexSig := hex.EncodeToString(sig)
	if a.Out == "" {
		fmt.Fprintln(ctx.Writer(), hexSig)
	} else {
		err = os.WriteFile(a.Out, []byte(hexSig), 0644)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// HsmVerifyCmd verifies a signature on the token
type HsmVerifyCmd struct {
	Key string `required:"" help:"key ID"`
	In  string `required:"" help:"file with the signed data, or - for stdin"`
	Sig string `required:"" help:"file with the signature in hex"`
}

// Run the command
func (a *HsmVerifyCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	verifier, ok := defprov.(cryptoprov.Verifier)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	data, err := ctx.ReadFile(a.In)
	if err != nil {
		return errors.WithStack(err)
	}
	hexSig, err := os.ReadFile(a.Sig)
	if err != nil {
		return errors.WithStack(err)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(hexSig)))
	if err != nil {
		return errors.WithMessage(err, "failed to decode signature")
	}

	digest := sha256.Sum256(data)
	valid, err := verifier.VerifySignature(a.Key, digest[:], sig, crypto.SHA256)
	if err != nil {
		return errors.WithMessage(err, "failed to verify")
	}
	if !valid {
		return errors.Errorf("signature is not valid")
	}

	fmt.Fprintln(ctx.Writer(), "signature is valid")
	return nil
}

// HsmWrapCmd generates a secret key and wraps it with an RSA public key
type HsmWrapCmd struct {
	Key   string `required:"" help:"wrapping RSA key ID"`
	ID    string `help:"secret key ID to wrap, a new key is generated when not set"`
	Size  int    `default:"128" help:"secret key size in bits, when generating"`
	Label string `help:"label for the generated secret key"`
	Out   string `help:"location to write the wrapped key in base64, if not set, the output will be printed to STDOUT"`
}

// Run the command
func (a *HsmWrapCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	skm, ok := defprov.(cryptoprov.SecretKeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	keyID := a.ID
	if keyID == "" {
		var err error
		keyID, err = skm.GenerateSecretKey(a.Label, a.Size)
		if err != nil {
			return errors.WithStack(err)
		}
		fmt.Fprintf(ctx.Writer(), "generated secret key: %s\n", keyID)
	}

	wrapped, err := skm.WrapSecretKey(a.Key, keyID)
	if err != nil {
		return errors.WithStack(err)
	}

	b64 := base64.StdEncoding.EncodeToString(wrapped)
	if a.Out == "" {
		fmt.Fprintln(ctx.Writer(), b64)
	} else {
		err = os.WriteFile(a.Out, []byte(b64), 0600)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// HsmUnwrapCmd unwraps a secret key onto the token
type HsmUnwrapCmd struct {
	Key   string `required:"" help:"unwrapping RSA key ID"`
	In    string `required:"" help:"file with the wrapped key in base64, or - for stdin"`
	Label string `help:"label for the restored secret key"`
}

// Run the command
func (a *HsmUnwrapCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	skm, ok := defprov.(cryptoprov.SecretKeyManager)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	b64, err := ctx.ReadFile(a.In)
	if err != nil {
		return errors.WithStack(err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b64)))
	if err != nil {
		return errors.WithMessage(err, "failed to decode wrapped key")
	}

	keyID, err := skm.UnwrapSecretKey(a.Key, wrapped, a.Label)
	if err != nil {
		return errors.WithStack(err)
	}

	fmt.Fprintf(ctx.Writer(), "unwrapped secret key: %s\n", keyID)
	return nil
}

// HsmSelfTestCmd runs the demo sequence:
// generate an ephemeral EC P-256 key pair, sign the payload,
// verify the signature, reject a tampered payload, destroy the key
type HsmSelfTestCmd struct {
	Data string `default:"data to sign" help:"payload to sign"`
}

// Run the command
func (a *HsmSelfTestCmd) Run(ctx *Cli) error {
	_, defprov := ctx.CryptoProv()
	out := ctx.Writer()

	label := prefixKeyLabel("selftest*")
	prv, err := defprov.GenerateECDSAKey(label, elliptic.P256())
	if err != nil {
		return errors.WithMessage(err, "failed to generate key")
	}

	keyID, _, err := defprov.IdentifyKey(prv)
	if err != nil {
		return errors.WithStack(err)
	}
	fmt.Fprintf(out, "generated key: id=%s, label=%s\n", keyID, label)

	if keyProv, ok := defprov.(cryptoprov.KeyManager); ok {
		defer func() {
			if err := keyProv.DestroyKeyPairOnSlot(keyProv.CurrentSlotID(), keyID); err == nil {
				fmt.Fprintf(out, "destroyed key: %s\n", keyID)
			}
		}()
	}

	signer, ok := prv.(crypto.Signer)
	if !ok {
		return errors.Errorf("loaded key of %T type does not support crypto.Signer", prv)
	}

	digest := sha256.Sum256([]byte(a.Data))
	sig, err := signer.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return errors.WithMessage(err, "failed to sign")
	}
	fmt.Fprintf(out, "signature: %s\n", hex.EncodeToString(sig))

	verifier, ok := defprov.(cryptoprov.Verifier)
	if !ok {
		return errors.Errorf("unsupported command for this crypto provider")
	}

	valid, err := verifier.VerifySignature(keyID, digest[:], sig, crypto.SHA256)
	if err != nil {
		return errors.WithMessage(err, "failed to verify")
	}
	if !valid {
		return errors.Errorf("self test failed: signature not verified")
	}
	fmt.Fprintln(out, "signature verified")

	tampered := sha256.Sum256([]byte(a.Data + " tampered"))
	valid, err = verifier.VerifySignature(keyID, tampered[:], sig, crypto.SHA256)
	if err != nil {
		return errors.WithMessage(err, "failed to verify")
	}
	if valid {
		return errors.Errorf("self test failed: tampered payload verified")
	}
	fmt.Fprintln(out, "tampered payload rejected")

	fmt.Fprintln(out, "self test OK")
	return nil
}

func printIfNotEmpty(out io.Writer, label, val string) {
	if val != "" {
		fmt.Fprintf(out, "  %s:  %s\n", label, val)
	}
}

// prefixKeyLabel adds a date prefix to label for a key
func prefixKeyLabel(label string) string {
	if strings.HasSuffix(label, "*") {
		g := guid.MustCreate()
		t := time.Now().UTC()
		label = strings.TrimSuffix(label, "*") +
			fmt.Sprintf("_%04d%02d%02d%02d%02d%02d_%x", t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), g[:4])
	}

	return label
}
