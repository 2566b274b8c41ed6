package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/cobra"

	"odds/internal/config"
	"odds/internal/platform"
)

// ssmOperationTimeout bounds each Parameter Store call.
const ssmOperationTimeout = 15 * time.Second

// tokenByteLength is the entropy of a generated session key, hex encoded to
// 64 characters.
const tokenByteLength = 32

// sessionKeySecret is the config.Secrets entry InitSessionKey generates.
const sessionKeySecret = "auth/session_key"

// SSMClient is the part of the Parameter Store API the secrets commands use.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SecretStore writes odds secrets to Parameter Store under one environment.
type SecretStore struct {
	client SSMClient
	env    string
	logger *slog.Logger
}

// NewSecretStore creates a store for env.
func NewSecretStore(client SSMClient, env string, logger *slog.Logger) *SecretStore {
	return &SecretStore{client: client, env: env, logger: logger}
}

// Path builds /{env}/odds/{name}, the path the binaries read by default.
func (s *SecretStore) Path(name string) string {
	return config.SecretPath(s.env, name)
}

// Exists reports whether the parameter at path is set.
func (s *SecretStore) Exists(ctx context.Context, path string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(path),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", path, err)
	}
	return true, nil
}

// Put writes value as a SecureString. The value itself is never logged.
func (s *SecretStore) Put(ctx context.Context, path, value string, overwrite bool) error {
	if value == "" {
		return fmt.Errorf("SSM parameter value must not be empty for path %q", path)
	}
	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(path),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var exists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("SSM parameter %q already exists (use --overwrite): %w", path, err)
		}
		return fmt.Errorf("writing SSM parameter %q: %w", path, err)
	}
	s.logger.Info("SSM parameter written", "path", path, "value_length", len(value))
	return nil
}

// InitSessionKey stores a fresh random session key unless one exists. It
// reports whether a key was written.
func (s *SecretStore) InitSessionKey(ctx context.Context) (bool, error) {
	path := s.Path(sessionKeySecret)
	ok, err := s.Exists(ctx, path)
	if err != nil || ok {
		return false, err
	}
	key, err := generateToken()
	if err != nil {
		return false, err
	}
	return true, s.Put(ctx, path, key, false)
}

func generateToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

var (
	secretsEnv       string
	secretsRegion    string
	secretsEndpoint  string
	secretsName      string
	secretsOverwrite bool
)

var secretsCmd = &cobra.Command{
	Use:               "secrets",
	Short:             "Manage the odds secrets in SSM Parameter Store",
	PersistentPreRunE: offline,
}

var secretsInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the session key if missing and report the secret parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := secretStore(cmd.Context())
		if err != nil {
			return err
		}
		return initSecrets(cmd.Context(), store, cmd.OutOrStdout())
	},
}

var secretsPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a secret read from stdin",
	Long: `put reads one line from stdin and stores it as a SecureString, for example:

  oddsctl secrets put --env prod --name database/url < dsn.txt`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := readSecret(cmd.InOrStdin())
		if err != nil {
			return err
		}
		store, err := secretStore(cmd.Context())
		if err != nil {
			return err
		}
		return store.Put(cmd.Context(), store.Path(secretsName), value, secretsOverwrite)
	},
}

// initSecrets creates the session key and prints the pointer variables the
// binaries need, marking parameters that still have to be stored.
func initSecrets(ctx context.Context, store *SecretStore, out io.Writer) error {
	created, err := store.InitSessionKey(ctx)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintln(out, "# generated a new session key")
	}
	for _, p := range config.Secrets {
		path := store.Path(p.Name)
		ok, err := store.Exists(ctx, path)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s_SSM_PARAM=%s", p.Env, path)
		if !ok {
			line += "  # missing: oddsctl secrets put --name " + p.Name
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	value := strings.TrimRight(line, "\r\n")
	if value == "" {
		return "", errors.New("no secret on stdin")
	}
	return value, nil
}

func secretStore(ctx context.Context) (*SecretStore, error) {
	awsCfg, err := platform.LoadAWS(ctx, config.AWSConfig{Region: secretsRegion, EndpointURL: secretsEndpoint})
	if err != nil {
		return nil, err
	}
	return NewSecretStore(ssm.NewFromConfig(awsCfg), secretsEnv, newLogger(os.Stderr, logLevel)), nil
}

func init() {
	RootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsInitCmd, secretsPutCmd)

	pf := secretsCmd.PersistentFlags()
	pf.StringVar(&secretsEnv, "env", "dev", "deployment environment")
	pf.StringVar(&secretsRegion, "region", "us-east-1", "AWS region")
	pf.StringVar(&secretsEndpoint, "endpoint-url", os.Getenv("AWS_ENDPOINT_URL"), "AWS endpoint override, e.g. LocalStack")

	secretsPutCmd.Flags().StringVar(&secretsName, "name", "", "parameter below /{env}/odds/, e.g. database/url")
	secretsPutCmd.Flags().BoolVar(&secretsOverwrite, "overwrite", false, "replace an existing value")
	_ = secretsPutCmd.MarkFlagRequired("name")
}
