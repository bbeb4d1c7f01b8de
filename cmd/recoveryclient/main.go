// The recoveryclient command is a device-side utility for operating against a
// deployed relay: enrolling a device key into cloud custody, inspecting the
// shared access state, and opening or cancelling access requests. Interactive
// code entry and approval live in the device apps; this tool covers setup and
// diagnostics.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/ruteri/social-recovery-backend/cmd/flags"
	"github.com/ruteri/social-recovery-backend/cryptoutils"
	"github.com/ruteri/social-recovery-backend/custody"
	"github.com/ruteri/social-recovery-backend/interfaces"
	"github.com/ruteri/social-recovery-backend/relay"
	"github.com/ruteri/social-recovery-backend/storage"
	"github.com/urfave/cli/v2"
)

var participantIDFlag = &cli.StringFlag{
	Name:  "participant-id",
	Usage: "participant identifier; generated when empty",
}

var entropyFlag = &cli.StringFlag{
	Name:  "entropy",
	Usage: "hex-encoded wrap entropy; generated when empty",
}

var deviceKeyIDFlag = &cli.StringFlag{
	Name:  "device-key-id",
	Value: "device-key",
	Usage: "identifier the key blob is bound to",
}

var intentFlag = &cli.StringFlag{
	Name:  "intent",
	Value: "access_phrases",
	Usage: "access intent: access_phrases or replace_policy",
}

func parseIntent(s string) (interfaces.AccessIntent, error) {
	switch s {
	case "access_phrases":
		return interfaces.IntentAccessPhrases, nil
	case "replace_policy":
		return interfaces.IntentReplacePolicy, nil
	default:
		return 0, fmt.Errorf("unknown intent %q", s)
	}
}

func main() {
	app := &cli.App{
		Name:  "recoveryclient",
		Usage: "Device-side social recovery operations",
		Flags: []cli.Flag{
			flags.RelayAddrFlag,
			flags.LogDebugFlag,
			flags.LogJsonFlag,
			flags.LogServiceFlagFn("recovery-client"),
		},
		Commands: []*cli.Command{
			{
				Name:        "enroll",
				Usage:       "Wrap a fresh device key and upload it to cloud custody",
				Description: "Generates a device keypair, wraps the private key with entropy bound to the device key ID, and replicates the blob to the configured storage backends. The entropy and public key are printed; the plaintext private key never leaves the process.",
				Flags: []cli.Flag{
					flags.StorageFlag,
					participantIDFlag,
					entropyFlag,
					deviceKeyIDFlag,
				},
				Action: runEnroll,
			},
			{
				Name:  "state",
				Usage: "Fetch and print the shared participant state",
				Flags: []cli.Flag{flags.UserIDFlag},
				Action: func(cCtx *cli.Context) error {
					client := relay.NewClient(cCtx.String(flags.RelayAddrFlag.Name))
					state, err := client.FetchParticipantState(context.Background(), cCtx.String(flags.UserIDFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(state)
				},
			},
			{
				Name:  "request",
				Usage: "Open an access request",
				Flags: []cli.Flag{flags.UserIDFlag, intentFlag},
				Action: func(cCtx *cli.Context) error {
					intent, err := parseIntent(cCtx.String(intentFlag.Name))
					if err != nil {
						return err
					}
					client := relay.NewClient(cCtx.String(flags.RelayAddrFlag.Name))
					state, err := client.InitiateAccess(context.Background(),
						cCtx.String(flags.UserIDFlag.Name), intent)
					if err != nil {
						return err
					}
					return printJSON(state)
				},
			},
			{
				Name:  "cancel",
				Usage: "Cancel the in-flight access request",
				Flags: []cli.Flag{flags.UserIDFlag},
				Action: func(cCtx *cli.Context) error {
					client := relay.NewClient(cCtx.String(flags.RelayAddrFlag.Name))
					state, err := client.CancelAccess(context.Background(), cCtx.String(flags.UserIDFlag.Name))
					if err != nil {
						return err
					}
					return printJSON(state)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runEnroll(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	uris := cCtx.StringSlice(flags.StorageFlag.Name)
	if len(uris) == 0 {
		return fmt.Errorf("at least one --storage backend is required")
	}
	locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return fmt.Errorf("invalid storage URI %q: %w", uri, err)
		}
		locations = append(locations, loc)
	}

	factory := storage.NewFactory(logger)
	backend, err := factory.CreateMultiBackend(locations)
	if err != nil {
		return err
	}

	entropy := make([]byte, 32)
	if hexEntropy := cCtx.String(entropyFlag.Name); hexEntropy != "" {
		entropy, err = hex.DecodeString(hexEntropy)
		if err != nil {
			return fmt.Errorf("invalid entropy hex: %w", err)
		}
	} else if _, err := rand.Read(entropy); err != nil {
		return err
	}

	participantID := interfaces.ParticipantID(cCtx.String(participantIDFlag.Name))
	if participantID == "" {
		participantID = interfaces.NewParticipantID()
	}

	pub, priv, err := cryptoutils.RandomDeviceKeypair()
	if err != nil {
		return err
	}
	defer cryptoutils.WipeBytes(priv)

	gate := storage.NewPermissionGate(backend, logger)
	mgr := custody.NewManager(gate, gate, cCtx.String(deviceKeyIDFlag.Name), entropy, logger)
	if err := mgr.Upload(context.Background(), participantID, priv); err != nil {
		return err
	}

	return printJSON(map[string]string{
		"participant_id": participantID.String(),
		"pubkey":         string(pub),
		"entropy":        hex.EncodeToString(entropy),
	})
}

func printJSON(v interface{}) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
