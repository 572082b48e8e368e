package metrics

// Value is a metric sample.
type Value float64

// Dimension is a set of label pairs attached to a sample, such as error_type or transport.
type Dimension map[string]string
