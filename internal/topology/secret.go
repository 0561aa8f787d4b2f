// File: internal/topology/secret.go
// Brief: Generated database credential.

package topology

import (
	"encoding/json"

	"github.com/awslabs/goformation/v7/cloudformation"
	"github.com/awslabs/goformation/v7/cloudformation/secretsmanager"

	"github.com/example/lampstack/internal/stack"
)

func (b *builder) secret() error {
	cfg := b.cfg.Secret
	desc := SecretDescriptor{
		LogicalID:          secretID,
		Template:           map[string]string{cfg.UsernameKey: cfg.Username},
		GenerateKey:        cfg.PasswordKey,
		ExcludePunctuation: cfg.ExcludePunctuation,
		IncludeSpace:       cfg.IncludeSpace,
		Length:             cfg.PasswordLength,
	}
	tmpl, err := json.Marshal(desc.Template)
	if err != nil {
		return err
	}
	gen := &secretsmanager.Secret_GenerateSecretString{
		SecretStringTemplate: cloudformation.String(string(tmpl)),
		GenerateStringKey:    cloudformation.String(desc.GenerateKey),
		ExcludePunctuation:   cloudformation.Bool(desc.ExcludePunctuation),
		IncludeSpace:         cloudformation.Bool(desc.IncludeSpace),
		PasswordLength:       cloudformation.Int(desc.Length),
	}
	if err := b.declareWith(&stack.Resource{
		LogicalID:           secretID,
		DeletionPolicy:      stack.DeletionPolicyDelete,
		UpdateReplacePolicy: stack.DeletionPolicyDelete,
	}, &secretsmanager.Secret{
		Description:          cloudformation.String("Master credentials of " + b.cfg.DatabaseIdentifier()),
		GenerateSecretString: gen,
		Tags:                 b.tags(b.resourceName(secretID)),
	}); err != nil {
		return err
	}
	b.model.Secret = desc
	return nil
}
