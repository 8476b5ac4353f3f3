package main

import (
	"fmt"
	"regexp"
	"strings"
)

// bucketNameRegex matches S3 bucket names: lowercase letters, digits, dots and
// hyphens, starting and ending with a letter or digit.
var bucketNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// ipLikeRegex matches names formatted as an IPv4 address, which S3 rejects.
var ipLikeRegex = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// validateBucketName checks name against the S3 bucket naming rules and
// returns an error that explains which rule failed.
func validateBucketName(name string) error {
	const minLen, maxLen = 3, 63
	if name == "" {
		return fmt.Errorf("bucket name cannot be empty - use 3 to 63 characters (lowercase letters, numbers, dots, hyphens)")
	}
	if len(name) < minLen {
		return fmt.Errorf("bucket name %q is too short - must be between 3 and 63 characters", name)
	}
	if len(name) > maxLen {
		return fmt.Errorf("bucket name %q is too long - must be between 3 and 63 characters", name)
	}
	if !bucketNameRegex.MatchString(name) {
		for _, r := range name {
			if r != '-' && r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
				return fmt.Errorf("invalid character %q in bucket name %q - only lowercase letters, numbers, dots and hyphens are allowed", r, name)
			}
		}
		return fmt.Errorf("bucket name %q must start and end with a letter or number", name)
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("bucket name %q cannot contain consecutive dots", name)
	}
	if ipLikeRegex.MatchString(name) {
		return fmt.Errorf("bucket name %q must not be formatted as an IP address", name)
	}
	return nil
}
