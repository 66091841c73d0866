package repository

import "time"

// UniqueKey declares a uniqueness constraint within a partition.
type UniqueKey struct {
	Name  string   `json:"name" mapstructure:"name"`
	Paths []string `json:"paths" mapstructure:"paths"`
}

// ContainerDescriptor is the static storage metadata of an entity type. Providers
// read it at setup; repository logic only forwards it.
type ContainerDescriptor struct {
	Name             string         `json:"name" mapstructure:"name"`
	PartitionKeyPath string         `json:"partitionKeyPath" mapstructure:"partition_key_path"`
	UniqueKeys       []UniqueKey    `json:"uniqueKeys,omitempty" mapstructure:"unique_keys"`
	DefaultTTL       *time.Duration `json:"defaultTTL,omitempty" mapstructure:"default_ttl"`
}

// ContainerDeclarer lets an entity type declare its container metadata.
type ContainerDeclarer interface {
	Container() ContainerDescriptor
}

// DescribeContainer returns the descriptor declared by *T, filling blanks with the
// lower-cased type name and the /id partition path.
func DescribeContainer[T any]() ContainerDescriptor {
	var desc ContainerDescriptor
	if d, ok := any(new(T)).(ContainerDeclarer); ok {
		desc = d.Container()
	}
	if desc.Name == "" {
		desc.Name = defaultContainerName[T]()
	}
	if desc.PartitionKeyPath == "" {
		desc.PartitionKeyPath = "/" + idField
	}
	return desc
}
