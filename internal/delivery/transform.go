package delivery

import (
	"fmt"
	"slices"
	"strings"

	"reportbridge/internal/notification"
	"reportbridge/internal/registry"
)

// transform maps payload results onto the data set's data elements. Result
// keys are matched to data element codes case-insensitively; a key without a
// matching code fails the whole transform. A result's category becomes the
// value's category option combo.
func transform(ds registry.DataSet, periodID, orgUnit string, p notification.Payload, codes []string) (registry.DataValueSet, error) {
	if len(p.Results) == 0 {
		return registry.DataValueSet{}, ErrNoResults
	}
	byUpper := make(map[string]string, len(codes))
	for _, c := range codes {
		byUpper[strings.ToUpper(c)] = c
	}

	keys := make([]string, 0, len(p.Results))
	for k := range p.Results {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	comment := commentFor(p)
	values := make([]registry.DataValue, 0, len(keys))
	for _, k := range keys {
		code, ok := byUpper[strings.ToUpper(k)]
		if !ok {
			return registry.DataValueSet{}, unmappedError{key: k}
		}
		r := p.Results[k]
		values = append(values, registry.DataValue{
			DataElement:         code,
			CategoryOptionCombo: r.CategoryOptionCombo(),
			Value:               r.Text(),
			Comment:             comment,
		})
	}
	return registry.DataValueSet{
		DataSet:    ds.ID,
		Period:     periodID,
		OrgUnit:    orgUnit,
		DataValues: values,
	}, nil
}

func commentFor(p notification.Payload) string {
	c := p.Contact
	switch {
	case c.Name != "" && c.UUID != "":
		return fmt.Sprintf("Submitted by contact %s (%s)", c.Name, c.UUID)
	case c.UUID != "":
		return "Submitted by contact " + c.UUID
	default:
		return ""
	}
}

// unmappedError names the offending key in its own message since checkpoint
// context keeps only the innermost error text.
type unmappedError struct{ key string }

func (e unmappedError) Error() string {
	return fmt.Sprintf("result %q does not map to a data element of the data set", e.key)
}

func (e unmappedError) Is(target error) bool { return target == ErrUnmappedResult }
