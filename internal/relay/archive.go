package relay

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config configures inbound media archival.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
	PublicURL string
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver uploads inbound media under inbox/<chat>/<yyyy>/<mm>/<dd>/<kind>/.
type S3Archiver struct {
	client objectPutter
	cfg    S3Config
}

// NewS3Archiver builds an S3 client from static credentials.
func NewS3Archiver(cfg S3Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("S3 credentials not available - set S3_ACCESS_KEY and S3_SECRET_KEY")
	}

	// endpoints sometimes carry the bucket as a subdomain
	if cfg.Endpoint != "" && strings.Contains(cfg.Endpoint, cfg.Bucket+".") {
		cleaned := strings.Replace(cfg.Endpoint, cfg.Bucket+".", "", 1)
		log.Warn().Str("endpoint", cfg.Endpoint).Str("cleanedEndpoint", cleaned).Msg("Removed bucket name from S3 endpoint")
		cfg.Endpoint = cleaned
	}
	// dotted bucket names break virtual-hosted TLS certificates
	if strings.Contains(cfg.Bucket, ".") {
		cfg.PathStyle = true
	}

	awsCfg := aws.Config{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	log.Info().Str("bucket", cfg.Bucket).Str("region", cfg.Region).Str("endpoint", cfg.Endpoint).Msg("S3 archiver initialized")
	return &S3Archiver{client: client, cfg: cfg}, nil
}

// Archive uploads data and returns its key and public URL.
func (a *S3Archiver) Archive(ctx context.Context, rec InboundRecord, data []byte, mimeType, fileName string) (MediaInfo, error) {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	key := objectKey(rec.From, rec.ID, mimeType, rec.Timestamp)

	input := &s3.PutObjectInput{
		Bucket:       aws.String(a.cfg.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(mimeType),
		CacheControl: aws.String("public, max-age=3600"),
	}
	if strings.HasPrefix(mimeType, "image/") || strings.HasPrefix(mimeType, "video/") || mimeType == "application/pdf" {
		input.ContentDisposition = aws.String("inline")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return MediaInfo{}, fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().Str("key", key).Str("bucket", a.cfg.Bucket).Str("mimeType", mimeType).Int("size", len(data)).Msg("Inbound media archived")
	return MediaInfo{
		MimeType: mimeType,
		FileName: fileName,
		Key:      key,
		URL:      a.publicURL(key),
	}, nil
}

func (a *S3Archiver) publicURL(key string) string {
	switch {
	case a.cfg.PublicURL != "":
		return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.PublicURL, "/"), a.cfg.Bucket, key)
	case a.cfg.Endpoint != "" && !strings.Contains(a.cfg.Endpoint, "amazonaws.com"):
		if a.cfg.PathStyle {
			return fmt.Sprintf("%s/%s/%s", strings.TrimRight(a.cfg.Endpoint, "/"), a.cfg.Bucket, key)
		}
		host := strings.TrimPrefix(strings.TrimPrefix(a.cfg.Endpoint, "https://"), "http://")
		return fmt.Sprintf("https://%s.%s/%s", a.cfg.Bucket, strings.TrimRight(host, "/"), key)
	case a.cfg.PathStyle:
		return fmt.Sprintf("https://s3.%s.amazonaws.com/%s/%s", a.cfg.Region, a.cfg.Bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", a.cfg.Bucket, a.cfg.Region, key)
	}
}

func objectKey(chat, messageID, mimeType string, at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	chat = strings.NewReplacer("@", "_", ":", "_").Replace(chat)

	folder := "documents"
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		folder = "images"
	case strings.HasPrefix(mimeType, "video/"):
		folder = "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		folder = "audio"
	}

	return fmt.Sprintf("inbox/%s/%s/%s%s", chat, at.UTC().Format("2006/01/02"), folder+"/"+messageID, extension(mimeType))
}

func extension(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "jpeg"), strings.Contains(mimeType, "jpg"):
		return ".jpg"
	case strings.Contains(mimeType, "png"):
		return ".png"
	case strings.Contains(mimeType, "gif"):
		return ".gif"
	case strings.Contains(mimeType, "webp"):
		return ".webp"
	case strings.Contains(mimeType, "mp4"):
		return ".mp4"
	case strings.Contains(mimeType, "webm"):
		return ".webm"
	case strings.Contains(mimeType, "ogg"):
		return ".ogg"
	case strings.Contains(mimeType, "opus"):
		return ".opus"
	case strings.Contains(mimeType, "pdf"):
		return ".pdf"
	case strings.Contains(mimeType, "docx"), strings.Contains(mimeType, "wordprocessingml"):
		return ".docx"
	case strings.Contains(mimeType, "msword"):
		return ".doc"
	default:
		return ".bin"
	}
}
