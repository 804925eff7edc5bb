package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

var _ DataStore = (*SQLiteStore)(nil)

func NewSQLiteStore(dataSourceName string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        client_id TEXT NOT NULL,
        phone TEXT NOT NULL,
        verified BOOLEAN NOT NULL DEFAULT FALSE,
        pdf_result_link TEXT NOT NULL DEFAULT '',
        ascii_result_link TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        UNIQUE (phone, client_id)
    );

    CREATE TABLE IF NOT EXISTS foods (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL,
        lab_code TEXT NOT NULL UNIQUE
    );

    CREATE TABLE IF NOT EXISTS recipes (
        id INTEGER PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        sub_title TEXT NOT NULL DEFAULT '',
        preparation_method TEXT NOT NULL DEFAULT '',
        nut_recommend TEXT NOT NULL DEFAULT '',
        comment TEXT NOT NULL DEFAULT '',
        minutes INTEGER NOT NULL DEFAULT 0,
        meal_type TEXT NOT NULL DEFAULT '',
        foods TEXT NOT NULL DEFAULT '',
        ingredients TEXT NOT NULL DEFAULT ''
    );

    CREATE TABLE IF NOT EXISTS recipe_embeddings (
        recipe_id INTEGER PRIMARY KEY,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        FOREIGN KEY (recipe_id) REFERENCES recipes (id)
    );

    CREATE TABLE IF NOT EXISTS recipe_ratings (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        recipe_id INTEGER NOT NULL,
        rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
        comment TEXT NOT NULL DEFAULT '',
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS shopping_list (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id INTEGER NOT NULL,
        recipe_id INTEGER NOT NULL,
        recipe_name TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS meal_type (
        id INTEGER PRIMARY KEY,
        name TEXT NOT NULL,
        menu_name TEXT NOT NULL DEFAULT ''
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
func (s *SQLiteStore) FindUser(ctx context.Context, phone, clientID string) (*User, error) {
	var user User
	err := s.db.GetContext(ctx, &user, `
        SELECT id, client_id, phone, verified, pdf_result_link, ascii_result_link, created_at
        FROM users WHERE phone = ? AND client_id = ?`, phone, clientID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// UpsertUsers inserts users or refreshes the result links of existing ones. Verification is kept.
func (s *SQLiteStore) UpsertUsers(ctx context.Context, users []User) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, u := range users {
			_, err := tx.NamedExecContext(ctx, `
                INSERT INTO users (client_id, phone, pdf_result_link, ascii_result_link)
                VALUES (:client_id, :phone, :pdf_result_link, :ascii_result_link)
                ON CONFLICT (phone, client_id) DO UPDATE SET
                    pdf_result_link = excluded.pdf_result_link,
                    ascii_result_link = excluded.ascii_result_link`, u)
			if err != nil {
				return fmt.Errorf("failed to upsert user %s: %w", u.ClientID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) MarkVerified(ctx context.Context, userID int64) (*User, error) {
	res, err := s.db.ExecContext(ctx, "UPDATE users SET verified = TRUE WHERE id = ?", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify user: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ErrNotFound
	}

	var user User
	err = s.db.GetContext(ctx, &user, `
        SELECT id, client_id, phone, verified, pdf_result_link, ascii_result_link, created_at
        FROM users WHERE id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Food methods
func (s *SQLiteStore) UpsertFoods(ctx context.Context, foods []Food) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, f := range foods {
			_, err := tx.NamedExecContext(ctx, `
                INSERT INTO foods (name, lab_code) VALUES (:name, :lab_code)
                ON CONFLICT (lab_code) DO UPDATE SET name = excluded.name`, f)
			if err != nil {
				return fmt.Errorf("failed to upsert food %s: %w", f.LabCode, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) FoodsByLabCodes(ctx context.Context, codes []string) ([]Food, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT id, name, lab_code FROM foods WHERE lab_code IN (?) ORDER BY id", codes)
	if err != nil {
		return nil, fmt.Errorf("failed to build foods query: %w", err)
	}
	var foods []Food
	if err := s.db.SelectContext(ctx, &foods, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query foods: %w", err)
	}
	return foods, nil
}

// Recipe methods
func (s *SQLiteStore) RecipesByIDs(ctx context.Context, ids []int64) ([]Recipe, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
        SELECT id, name, sub_title, preparation_method, nut_recommend, comment, minutes, meal_type, foods, ingredients
        FROM recipes WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build recipes query: %w", err)
	}
	var recipes []Recipe
	if err := s.db.SelectContext(ctx, &recipes, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query recipes: %w", err)
	}
	return recipes, nil
}

func (s *SQLiteStore) UpsertRecipes(ctx context.Context, recipes []Recipe) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, r := range recipes {
			_, err := tx.NamedExecContext(ctx, `
                INSERT INTO recipes (id, name, sub_title, preparation_method, nut_recommend, comment, minutes, meal_type, foods, ingredients)
                VALUES (:id, :name, :sub_title, :preparation_method, :nut_recommend, :comment, :minutes, :meal_type, :foods, :ingredients)
                ON CONFLICT (id) DO UPDATE SET
                    name = excluded.name,
                    sub_title = excluded.sub_title,
                    preparation_method = excluded.preparation_method,
                    nut_recommend = excluded.nut_recommend,
                    comment = excluded.comment,
                    minutes = excluded.minutes,
                    meal_type = excluded.meal_type,
                    foods = excluded.foods,
                    ingredients = excluded.ingredients`, r)
			if err != nil {
				return fmt.Errorf("failed to upsert recipe %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Feedback methods
func (s *SQLiteStore) CreateRating(ctx context.Context, rating Rating) error {
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO recipe_ratings (user_id, recipe_id, rating, comment)
        VALUES (:user_id, :recipe_id, :rating, :comment)`, rating)
	if err != nil {
		return fmt.Errorf("failed to insert rating: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ratingsByUser(ctx context.Context, userID int64) ([]Rating, error) {
	var ratings []Rating
	err := s.db.SelectContext(ctx, &ratings,
		"SELECT user_id, recipe_id, rating, comment FROM recipe_ratings WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ratings: %w", err)
	}
	return ratings, nil
}

func (s *SQLiteStore) CreateShoppingListItem(ctx context.Context, item ShoppingListItem) error {
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO shopping_list (user_id, recipe_id, recipe_name)
        VALUES (:user_id, :recipe_id, :recipe_name)`, item)
	if err != nil {
		return fmt.Errorf("failed to insert shopping list item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) shoppingList(ctx context.Context, userID int64) ([]ShoppingListItem, error) {
	var items []ShoppingListItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT user_id, recipe_id, recipe_name FROM shopping_list WHERE user_id = ? ORDER BY id", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query shopping list: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) UpsertMealTypes(ctx context.Context, types []MealType) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, mt := range types {
			_, err := tx.NamedExecContext(ctx, `
                INSERT INTO meal_type (id, name, menu_name) VALUES (:id, :name, :menu_name)
                ON CONFLICT (id) DO UPDATE SET name = excluded.name, menu_name = excluded.menu_name`, mt)
			if err != nil {
				return fmt.Errorf("failed to upsert meal type %d: %w", mt.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) MealTypes(ctx context.Context) ([]MealType, error) {
	var types []MealType
	if err := s.db.SelectContext(ctx, &types, "SELECT id, name, menu_name FROM meal_type ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to query meal types: %w", err)
	}
	return types, nil
}

// Embedding methods, read back by the in-memory vector index
func (s *SQLiteStore) UpsertEmbedding(ctx context.Context, recipeID int64, vector []float32) error {
	embeddingBytes, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO recipe_embeddings (recipe_id, embedding_json) VALUES (?, ?)
        ON CONFLICT (recipe_id) DO UPDATE SET embedding_json = excluded.embedding_json`,
		recipeID, string(embeddingBytes))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding for recipe %d: %w", recipeID, err)
	}
	return nil
}

func (s *SQLiteStore) RecipeEmbeddings(ctx context.Context) (map[int64][]float32, error) {
	rows, err := s.db.QueryxContext(ctx, "SELECT recipe_id, embedding_json FROM recipe_embeddings")
	if err != nil {
		return nil, fmt.Errorf("failed to query recipe_embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[int64][]float32)
	for rows.Next() {
		var (
			id            int64
			embeddingJSON string
		)
		if err := rows.Scan(&id, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan recipe_embeddings row: %w", err)
		}
		var vector []float32
		if err := json.Unmarshal([]byte(embeddingJSON), &vector); err != nil || len(vector) == 0 {
			s.logger.Warn("skipping unreadable embedding", zap.Int64("recipe_id", id), zap.Error(err))
			continue
		}
		out[id] = vector
	}
	return out, rows.Err()
}
