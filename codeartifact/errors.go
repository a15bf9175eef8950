package codeartifact

import (
	"errors"
	"net"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/service/codeartifact/types"
	"github.com/aws/smithy-go"

	"github.com/davidalecrim/artifact-proxy/lookup"
)

// Classify wraps an error returned by the AWS SDK in a lookup.UpstreamError
// whose kind reflects the failure:
//
//   - rejected parameters are KindValidation
//   - a missing domain or repository is KindNotFound
//   - DNS failures and refused connections are KindUnavailable
//
// Everything else, including other service faults, is KindOther.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	return lookup.NewUpstreamError(kindOf(err), err)
}

// KindOf returns the kind of an upstream error, or lookup.KindOther for errors
// that were not classified.
func KindOf(err error) lookup.ErrorKind {
	var ue *lookup.UpstreamError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return lookup.KindOther
}

func kindOf(err error) lookup.ErrorKind {
	var validation *types.ValidationException
	if errors.As(err, &validation) {
		return lookup.KindValidation
	}

	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return lookup.KindNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException":
			return lookup.KindValidation
		case "ResourceNotFoundException":
			return lookup.KindNotFound
		}
		return lookup.KindOther
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return lookup.KindUnavailable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return lookup.KindUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return lookup.KindUnavailable
	}

	return lookup.KindOther
}
