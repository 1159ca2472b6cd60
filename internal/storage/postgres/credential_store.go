package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/bulk-registrar/internal/registrar"
)

const credentialColumns = `id, owner, name, client_id, client_secret, created_at`

func scanCredential(row scanner) (registrar.Credential, error) {
	var c registrar.Credential
	err := row.Scan(&c.ID, &c.Owner, &c.Name, &c.ClientID, &c.ClientSecret, &c.CreatedAt)
	return c, err
}

// CreateCredential inserts a credential.
func (s *Store) CreateCredential(ctx context.Context, cred registrar.Credential) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO credentials (`+credentialColumns+`) VALUES ($1,$2,$3,$4,$5,$6)`,
		cred.ID, cred.Owner, cred.Name, cred.ClientID, cred.ClientSecret, cred.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("credential %s: %w", cred.ID, registrar.ErrConflict)
		}
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// GetCredential fetches a credential by ID.
func (s *Store) GetCredential(ctx context.Context, credentialID string) (registrar.Credential, error) {
	c, err := scanCredential(s.pool.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE id = $1`, credentialID))
	if err != nil {
		return registrar.Credential{}, notFound("credential", credentialID, err)
	}
	return c, nil
}

// ListCredentials returns the owner's credentials ordered by name.
func (s *Store) ListCredentials(ctx context.Context, owner string) ([]registrar.Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE owner = $1 ORDER BY name`, owner)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	var out []registrar.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}
