// Package s3 reads workflow inputs from AWS S3 and S3-compatible stores.
package s3

const (
	// DefaultMaxKeys is the List page size when none is requested.
	DefaultMaxKeys = 1000

	// MaxAllowedKeys is the largest page S3 returns.
	MaxAllowedKeys = 1000

	// DefaultAWSRegion applies to AWS when no region is configured.
	DefaultAWSRegion = "us-east-1"
)

// Config configures a provider for one bucket. Credentials come from the
// SDK default chain (environment, shared files, instance or task roles)
// unless AccessKeyID and SecretAccessKey are both set. Set Endpoint, and
// usually ForcePathStyle, for MinIO and other S3-compatible stores.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string
	Profile  string

	AccessKeyID     string
	SecretAccessKey string

	ForcePathStyle bool

	// MaxKeys is the List page size; values over MaxAllowedKeys are
	// clamped.
	MaxKeys int
}

// Defaults are the settings shared by every bucket an input URI may name.
type Defaults struct {
	Region         string
	Endpoint       string
	Profile        string
	ForcePathStyle bool
}

// ForBucket returns the Config for bucket.
func (d Defaults) ForBucket(bucket string) Config {
	return Config{
		Bucket:         bucket,
		Region:         d.Region,
		Endpoint:       d.Endpoint,
		Profile:        d.Profile,
		ForcePathStyle: d.ForcePathStyle,
	}
}

// Validate requires a bucket and both halves of an explicit key pair.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Message: "both must be set together"}
	}
	return nil
}

// ConfigError reports an invalid Config field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3 config: " + e.Field + ": " + e.Message
}
