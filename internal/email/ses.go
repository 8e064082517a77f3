package email

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// SESAPI is the part of *ses.Client used here.
type SESAPI interface {
	SendEmail(ctx context.Context, in *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

type SESSender struct {
	Client SESAPI
	From   string
}

func NewSESSender(ctx context.Context, region, from string) (*SESSender, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &SESSender{Client: ses.NewFromConfig(cfg), From: from}, nil
}

func (s *SESSender) Send(ctx context.Context, msg Message) error {
	input := &ses.SendEmailInput{
		Source: aws.String(s.From),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Charset: aws.String("UTF-8"),
				Data:    aws.String(msg.Subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Charset: aws.String("UTF-8"),
					Data:    aws.String(msg.HTMLBody),
				},
			},
		},
		Tags: messageTags(msg.Context),
	}

	if _, err := s.Client.SendEmail(ctx, input); err != nil {
		return fmt.Errorf("ses send error: %w", err)
	}
	return nil
}

var tagUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// messageTags exports context as SES tags. SES allows only ASCII letters,
// digits, '_' and '-' in tag names and values, up to 256 characters.
func messageTags(ctx map[string]string) []types.MessageTag {
	if len(ctx) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		v := sanitizeTag(ctx[k])
		if v == "" {
			continue
		}
		tags = append(tags, types.MessageTag{
			Name:  aws.String(sanitizeTag(k)),
			Value: aws.String(v),
		})
	}
	return tags
}

func sanitizeTag(s string) string {
	s = tagUnsafe.ReplaceAllString(s, "_")
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
